package openai

import "testing"

func TestCostEstimateKnownModel(t *testing.T) {
	c := New("")
	got := c.CostEstimate(1_000_000, 1_000_000, "gpt-4o")
	if got != 12.50 {
		t.Fatalf("expected 12.50, got %v", got)
	}
}

func TestCostEstimateUnknownModelFallsBackToDefault(t *testing.T) {
	c := New("")
	got := c.CostEstimate(1_000_000, 1_000_000, "nonexistent-model")
	want := c.CostEstimate(1_000_000, 1_000_000, defaultModel)
	if got != want {
		t.Fatalf("expected fallback pricing, got %v want %v", got, want)
	}
}

func TestTranslateErrorClassifiesRateLimit(t *testing.T) {
	err := translateError(&apiError{StatusCode: 429, Message: "slow down", RetryAfterSeconds: 5})
	if err == nil {
		t.Fatal("expected error")
	}
}
