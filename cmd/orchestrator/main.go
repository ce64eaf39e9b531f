// Command orchestrator is the Agentic Developer Workflow Orchestrator's
// CLI entrypoint: run/serve/resume subcommands over the api.Orchestrator
// surface (spec §6).
//
// Grounded on examples/multi-llm-review/main.go's parseArgs + flag +
// YAML config idiom, generalized from a single review-workflow run into
// subcommand dispatch over the Workflow Engine's full operations
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devflow/orchestrator/api"
	"github.com/devflow/orchestrator/bus"
	"github.com/devflow/orchestrator/config"
	"github.com/devflow/orchestrator/consensus"
	"github.com/devflow/orchestrator/cost"
	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/engine"
	"github.com/devflow/orchestrator/metrics"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/provider/claude"
	"github.com/devflow/orchestrator/provider/gemini"
	"github.com/devflow/orchestrator/provider/openai"
	"github.com/devflow/orchestrator/resource"
	"github.com/devflow/orchestrator/router"
	"github.com/devflow/orchestrator/store"
	"github.com/devflow/orchestrator/store/memory"
	"github.com/devflow/orchestrator/store/mysqlstore"
	"github.com/devflow/orchestrator/store/sqlite"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(osArgs []string) error {
	if len(osArgs) == 0 {
		return fmt.Errorf("usage: orchestrator <run|serve|resume> [flags]")
	}
	subcommand, rest := osArgs[0], osArgs[1:]

	switch subcommand {
	case "run":
		return runCreateAndWait(rest)
	case "serve":
		return runServe(rest)
	case "resume":
		return runResume(rest)
	default:
		return fmt.Errorf("unknown subcommand %q (want run, serve or resume)", subcommand)
	}
}

// sharedFlags are accepted by every subcommand.
type sharedFlags struct {
	configPath string
}

func parseShared(fs *flag.FlagSet, args []string) (*sharedFlags, []string, error) {
	f := &sharedFlags{}
	fs.StringVar(&f.configPath, "config", "config.yaml", "path to config YAML file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

func runCreateAndWait(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	kind := fs.String("kind", string(domain.KindStandard), "workflow kind: standard|tdd|plan-only|test-only|review-only")
	name := fs.String("name", "", "workflow name")
	task := fs.String("task", "", "task description")
	issueRef := fs.String("issue-ref", "", "originating issue reference")
	budget := fs.Float64("budget", 0, "override the config's default budget in USD (0 = use config default)")
	timeout := fs.Duration("timeout", 10*time.Minute, "max time to wait for completion")
	f, _, err := parseShared(fs, args)
	if err != nil {
		return err
	}
	if *task == "" {
		return fmt.Errorf("-task is required")
	}

	logger := newLogger()
	orch, eng, cfg, shutdown, err := wire(f.configPath, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	budgetUSD := cfg.Budgets.DefaultUSD
	if *budget > 0 {
		budgetUSD = budget
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovering prior workflows: %w", err)
	}

	id, err := orch.CreateWorkflow(ctx, engine.Spec{
		Name:            *name,
		Kind:            domain.WorkflowKind(*kind),
		TaskDescription: *task,
		IssueRef:        *issueRef,
		BudgetUSD:       budgetUSD,
	})
	if err != nil {
		return fmt.Errorf("creating workflow: %w", err)
	}
	if err := orch.StartWorkflow(ctx, id); err != nil {
		return fmt.Errorf("starting workflow: %w", err)
	}
	logger.Info("workflow started", "workflow_id", id, "kind", *kind)

	w, err := waitForTerminal(ctx, orch, id)
	if err != nil {
		return err
	}

	fmt.Printf("workflow %s finished: state=%s cost_usd=%.4f total_tokens=%d\n",
		w.ID, w.State, w.CostUSD, w.TotalTokens)
	if w.ErrorMessage != "" {
		fmt.Printf("error: %s\n", w.ErrorMessage)
	}
	if w.State != domain.WorkflowCompleted {
		os.Exit(1)
	}
	return nil
}

func waitForTerminal(ctx context.Context, orch api.Orchestrator, workflowID string) (*domain.Workflow, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		w, err := orch.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if w.State.IsTerminal() {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	metricsRefresh := fs.Duration("metrics-refresh", 15*time.Second, "queue_depth gauge refresh interval")
	f, _, err := parseShared(fs, args)
	if err != nil {
		return err
	}

	logger := newLogger()
	_, eng, _, shutdown, err := wire(f.configPath, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovering prior workflows: %w", err)
	}
	logger.Info("orchestrator serving")

	ticker := time.NewTicker(*metricsRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("orchestrator shutting down")
			eng.Shutdown()
			return nil
		case <-ticker.C:
			if err := eng.RefreshQueueDepth(ctx); err != nil {
				logger.Warn("refreshing queue depth", "error", err)
			}
		}
	}
}

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	f, _, err := parseShared(fs, args)
	if err != nil {
		return err
	}

	logger := newLogger()
	_, eng, _, shutdown, err := wire(f.configPath, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx := context.Background()
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovering prior workflows: %w", err)
	}
	logger.Info("recovery scan complete")
	return nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

// wire builds the full collaborator graph from a config file (spec §2's
// components A-F), following the same construction order
// config.Load -> store -> providers -> bus -> router -> consensus ->
// cost -> metrics -> resource -> engine that cmd/orchestrator always
// uses, regardless of subcommand.
func wire(configPath string, logger *slog.Logger) (api.Orchestrator, *engine.Engine, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	reg := provider.NewRegistry()
	registerProviders(reg, cfg, logger)

	b := bus.New(bus.WithWorkers(cfg.Events.MaxWorkers), bus.WithLogger(logger))
	if cfg.Events.JournalPath != "" {
		f, err := os.OpenFile(cfg.Events.JournalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("opening event journal: %w", err)
		}
		sink := bus.NewJournalSink(f)
		b.Subscribe(sink.Handler(), nil, bus.ModeAsync)
	}

	rtr := router.New(cfg.Rules(), cfg.DefaultDecision())
	ce := consensus.New(reg, nil)
	ct := cost.New(st)
	m := metrics.New(nil)
	ports := resource.NewPortAllocator(st)
	sems := resource.NewProviderSemaphores(cfg.ProviderConcurrencyLimits())

	eng := engine.New(st, b, reg, rtr, ce, ct, m, ports, sems, engine.Options{
		StuckThreshold:      cfg.EngineStuckThreshold(),
		DefaultMaxAttempts:  cfg.Engine.DefaultMaxAttempts,
		ProviderCallTimeout: cfg.EngineProviderCallTimeout(),
		ConsensusTimeout:    cfg.EngineConsensusTimeout(),
		RetryBaseDelay:      cfg.EngineRetryBaseDelay(),
		RetryMaxDelay:       cfg.EngineRetryMaxDelay(),
	})

	orch := api.NewAdapter(eng, st, reg)
	shutdown := func() {
		eng.Shutdown()
		_ = st.Close()
	}
	return orch, eng, cfg, shutdown, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.State.Driver {
	case "sqlite":
		return sqlite.New(cfg.State.DBPath)
	case "mysql":
		return mysqlstore.New(cfg.State.DSN)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown state.driver %q", cfg.State.Driver)
	}
}

func registerProviders(reg *provider.Registry, cfg *config.Config, logger *slog.Logger) {
	for name, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		apiKey := p.APIKey()
		if apiKey == "" {
			logger.Warn("provider enabled but API key is empty, skipping", "provider", name)
			continue
		}
		switch name {
		case "claude":
			reg.Register(claude.New(apiKey))
		case "openai":
			reg.Register(openai.New(apiKey))
		case "gemini":
			reg.Register(gemini.New(apiKey))
		default:
			logger.Warn("unknown provider name, skipping", "provider", name)
		}
	}
}
