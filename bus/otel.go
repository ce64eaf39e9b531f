package bus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devflow/orchestrator/domain"
)

// OtelSink forwards every published event as a span event on a root span
// per workflow, grounded on graph/emit/otel.go's event-to-span forwarding.
// It is optional: constructed only when tracing is enabled in configuration.
type OtelSink struct {
	tracer trace.Tracer
}

// NewOtelSink builds a sink using tracer (typically
// otel.Tracer("orchestrator")).
func NewOtelSink(tracer trace.Tracer) *OtelSink {
	return &OtelSink{tracer: tracer}
}

// Handler returns the bus.Handler to Subscribe with.
func (s *OtelSink) Handler() Handler {
	return func(ctx context.Context, e domain.Event) error {
		// Events are point-in-time records, not span lifetimes: record them
		// as a zero-duration span carrying the event's attributes so a
		// trace backend can correlate them with in-flight phase spans by
		// workflow_id.
		_, span := s.tracer.Start(ctx, string(e.EventType))
		defer span.End()

		attrs := []attribute.KeyValue{
			attribute.String("workflow_id", e.WorkflowID),
			attribute.String("event_type", string(e.EventType)),
			attribute.String("severity", string(e.Severity)),
		}
		if e.PhaseName != "" {
			attrs = append(attrs, attribute.String("phase_name", string(e.PhaseName)))
		}
		if e.FromState != "" {
			attrs = append(attrs, attribute.String("from_state", e.FromState))
		}
		if e.ToState != "" {
			attrs = append(attrs, attribute.String("to_state", e.ToState))
		}
		if e.Message != "" {
			attrs = append(attrs, attribute.String("message", e.Message))
		}
		span.SetAttributes(attrs...)
		return nil
	}
}
