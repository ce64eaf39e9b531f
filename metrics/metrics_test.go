package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/devflow/orchestrator/metrics"
)

func TestRecordPhaseLatencyObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.RecordPhaseLatency("standard", "implement", 250*time.Millisecond, "completed")

	mf := gather(t, reg, "orchestrator_phase_latency_ms")
	if mf.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected 1 sample recorded")
	}
}

func TestIncrementRetriesAndBudgetExceeded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.IncrementRetries("tdd", "implement", "transient")
	m.IncrementRetries("tdd", "implement", "transient")
	m.IncrementBudgetExceeded("tdd")

	retries := gather(t, reg, "orchestrator_retries_total")
	if retries.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Fatalf("expected retries_total=2, got %v", retries.GetMetric()[0].GetCounter().GetValue())
	}
	budget := gather(t, reg, "orchestrator_budget_exceeded_total")
	if budget.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected budget_exceeded_total=1")
	}
}

func TestDisableSuppressesRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Disable()
	m.IncrementRetries("standard", "plan", "error")

	retries := gather(t, reg, "orchestrator_retries_total")
	if len(retries.GetMetric()) != 0 {
		t.Fatalf("expected no samples recorded while disabled")
	}
}

func TestUpdateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.UpdateInflightPhases(3)
	m.UpdateQueueDepth(7)

	inflight := gather(t, reg, "orchestrator_inflight_phases")
	if inflight.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Fatalf("expected inflight_phases=3")
	}
	queue := gather(t, reg, "orchestrator_queue_depth")
	if queue.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Fatalf("expected queue_depth=7")
	}
}

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}
