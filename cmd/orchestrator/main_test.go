package main

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfigYAML = `
providers:
  claude:
    enabled: true
    api_key_env: ORCHESTRATOR_TEST_ANTHROPIC_KEY
    default_model: claude-sonnet-4-5-20250929

router:
  default:
    provider: claude
    model: claude-sonnet-4-5-20250929
    max_tokens: 1024

state:
  driver: memory

events:
  max_workers: 2
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestParseSharedDefaultsConfigPath(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f, rest, err := parseShared(fs, nil)
	if err != nil {
		t.Fatalf("parseShared: %v", err)
	}
	if f.configPath != "config.yaml" {
		t.Errorf("configPath = %q, want %q", f.configPath, "config.yaml")
	}
	if len(rest) != 0 {
		t.Errorf("expected no positional args, got %v", rest)
	}
}

func TestParseSharedCustomConfigPath(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f, _, err := parseShared(fs, []string{"-config", "custom.yaml"})
	if err != nil {
		t.Fatalf("parseShared: %v", err)
	}
	if f.configPath != "custom.yaml" {
		t.Errorf("configPath = %q, want %q", f.configPath, "custom.yaml")
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	err := run([]string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown subcommand") {
		t.Fatalf("expected unknown subcommand error, got %v", err)
	}
}

func TestRunRequiresSubcommand(t *testing.T) {
	err := run(nil)
	if err == nil {
		t.Fatalf("expected error for missing subcommand")
	}
}

func TestWireBuildsWorkingCollaboratorGraph(t *testing.T) {
	path := writeTestConfig(t)
	logger := newLogger()

	orch, eng, cfg, shutdown, err := wire(path, logger)
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	defer shutdown()

	if orch == nil || eng == nil || cfg == nil {
		t.Fatalf("expected non-nil orchestrator, engine and config")
	}
	if cfg.State.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.State.Driver)
	}
}

func TestRunCreateAndWaitRequiresTask(t *testing.T) {
	path := writeTestConfig(t)
	err := runCreateAndWait([]string{"-config", path})
	if err == nil || !strings.Contains(err.Error(), "-task is required") {
		t.Fatalf("expected -task required error, got %v", err)
	}
}

func TestRunResumeAgainstMemoryStore(t *testing.T) {
	path := writeTestConfig(t)
	if err := runResume([]string{"-config", path}); err != nil {
		t.Fatalf("runResume: %v", err)
	}
}
