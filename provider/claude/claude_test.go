package claude

import "testing"

func TestCostEstimateKnownModel(t *testing.T) {
	c := New("")
	got := c.CostEstimate(1_000_000, 1_000_000, "claude-sonnet-4-5-20250929")
	if got != 18.00 {
		t.Fatalf("expected 18.00, got %v", got)
	}
}

func TestCostEstimateUnknownModelFallsBackToDefault(t *testing.T) {
	c := New("")
	got := c.CostEstimate(1_000_000, 1_000_000, "nonexistent-model")
	want := c.CostEstimate(1_000_000, 1_000_000, defaultModel)
	if got != want {
		t.Fatalf("expected fallback to default model pricing, got %v want %v", got, want)
	}
}

func TestNameAndModels(t *testing.T) {
	c := New("key")
	if c.Name() != "claude" {
		t.Fatalf("unexpected name %q", c.Name())
	}
	if len(c.Models()) == 0 {
		t.Fatal("expected at least one model")
	}
}
