// ABOUTME: Span helpers for control actions handled on agent connections
// ABOUTME: One span per action, named bus.<action>, tagged with the agent id

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionTracer starts spans for control actions.
type ActionTracer struct {
	tracer trace.Tracer
}

// NewActionTracer wraps tracer.
func NewActionTracer(tracer trace.Tracer) *ActionTracer {
	return &ActionTracer{tracer: tracer}
}

// Start opens a server span named "bus.<action>".
func (t *ActionTracer) Start(ctx context.Context, action, agentID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("messaging.system", "agentbus"),
		attribute.String("bus.action", action),
		attribute.String("bus.agent_id", agentID),
	}, attrs...)
	return t.tracer.Start(ctx, "bus."+action,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// End records err (if any) on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
