package provider_test

import (
	"testing"

	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/provider/mock"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := provider.NewRegistry()
	c := mock.New("test-provider", "model-a")
	r.Register(c)

	got, err := r.Get("test-provider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name() != "test-provider" {
		t.Fatalf("unexpected client: %+v", got)
	}
}

func TestRegistryGetUnknownReturnsNotFound(t *testing.T) {
	r := provider.NewRegistry()
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestRegistryHealthUnhealthyWhenEmpty(t *testing.T) {
	r := provider.NewRegistry()
	if got := r.Health(); got != provider.Unhealthy {
		t.Fatalf("expected Unhealthy, got %s", got)
	}
}

func TestRegistryHealthDegradedWhenProviderHasNoModels(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(mock.New("empty"))
	if got := r.Health(); got != provider.Degraded {
		t.Fatalf("expected Degraded, got %s", got)
	}
}

func TestRegistryHealthHealthyWhenAllProvidersHaveModels(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(mock.New("ok", "model-a"))
	if got := r.Health(); got != provider.Healthy {
		t.Fatalf("expected Healthy, got %s", got)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := provider.NewRegistry()
	r.Register(mock.New("zeta"))
	r.Register(mock.New("alpha"))
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}
