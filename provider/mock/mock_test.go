package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/provider/mock"
)

func TestExecuteReturnsConfiguredResponsesInOrder(t *testing.T) {
	c := mock.New("m")
	c.Responses = []provider.Response{{Text: "first"}, {Text: "second"}}

	out, err := c.Execute(context.Background(), provider.Request{Model: "x"})
	if err != nil || out.Text != "first" {
		t.Fatalf("unexpected first response: %+v %v", out, err)
	}
	out, err = c.Execute(context.Background(), provider.Request{Model: "x"})
	if err != nil || out.Text != "second" {
		t.Fatalf("unexpected second response: %+v %v", out, err)
	}
	// exhausted: repeats last
	out, err = c.Execute(context.Background(), provider.Request{Model: "x"})
	if err != nil || out.Text != "second" {
		t.Fatalf("expected repeated last response, got: %+v %v", out, err)
	}
	if c.CallCount() != 3 {
		t.Fatalf("expected 3 recorded calls, got %d", c.CallCount())
	}
}

func TestExecuteReturnsConfiguredError(t *testing.T) {
	c := mock.New("m")
	c.Err = errors.New("boom")
	if _, err := c.Execute(context.Background(), provider.Request{}); err == nil {
		t.Fatal("expected configured error")
	}
}

func TestExecuteHonorsCancelledContext(t *testing.T) {
	c := mock.New("m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Execute(ctx, provider.Request{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestCostEstimateUsesPerTokenRate(t *testing.T) {
	c := mock.New("m")
	c.CostPerToken = 0.001
	got := c.CostEstimate(10, 20, "any")
	if got != 0.03 {
		t.Fatalf("expected 0.03, got %v", got)
	}
}

func TestResetClearsHistory(t *testing.T) {
	c := mock.New("m")
	_, _ = c.Execute(context.Background(), provider.Request{})
	c.Reset()
	if c.CallCount() != 0 {
		t.Fatalf("expected call count 0 after reset, got %d", c.CallCount())
	}
}
