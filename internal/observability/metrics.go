// ABOUTME: Bus metrics backed by OpenTelemetry instruments
// ABOUTME: Implements bus.Metrics; exported to Prometheus as agentbus_* series

package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/agentbus/internal/bus"
)

// Delivery outcomes recorded on agentbus_deliveries_total.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeNotFound  = "not_found"
)

// BusMetrics records bus activity on a meter.
type BusMetrics struct {
	connectedAgents metric.Int64UpDownCounter
	publishes       metric.Int64Counter
	recipients      metric.Int64Histogram
	deliveries      metric.Int64Counter
	directMessages  metric.Int64Counter
	collaborations  metric.Int64Counter
}

// NewBusMetrics creates the bus instruments on meter.
func NewBusMetrics(meter metric.Meter) (*BusMetrics, error) {
	m := &BusMetrics{}
	var err error

	m.connectedAgents, err = meter.Int64UpDownCounter(
		"agentbus.connected_agents",
		metric.WithDescription("Number of agents currently registered on the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.publishes, err = meter.Int64Counter(
		"agentbus.publishes",
		metric.WithDescription("Total number of topic publishes, including lifecycle notifications"),
	)
	if err != nil {
		return nil, err
	}

	m.recipients, err = meter.Int64Histogram(
		"agentbus.publish_recipients",
		metric.WithDescription("Subscribers resolved per publish"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return nil, err
	}

	m.deliveries, err = meter.Int64Counter(
		"agentbus.deliveries",
		metric.WithDescription("Envelope sends by kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.directMessages, err = meter.Int64Counter(
		"agentbus.direct_messages",
		metric.WithDescription("Direct messages by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.collaborations, err = meter.Int64Counter(
		"agentbus.collaboration_requests",
		metric.WithDescription("Collaboration requests by status"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// AgentsChanged implements bus.Metrics.
func (m *BusMetrics) AgentsChanged(ctx context.Context, delta int64) {
	m.connectedAgents.Add(ctx, delta)
}

// Published implements bus.Metrics.
func (m *BusMetrics) Published(ctx context.Context, topic string, recipients int) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	m.publishes.Add(ctx, 1, attrs)
	m.recipients.Record(ctx, int64(recipients), attrs)
}

// Delivered implements bus.Metrics.
func (m *BusMetrics) Delivered(ctx context.Context, kind string, err error) {
	outcome := deliveryOutcome(err)
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
	if kind == bus.KindDirect {
		m.directMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// CollaborationRequested implements bus.Metrics.
func (m *BusMetrics) CollaborationRequested(ctx context.Context, status string) {
	m.collaborations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func deliveryOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, bus.ErrRecipientNotFound):
		return OutcomeNotFound
	default:
		return OutcomeFailed
	}
}

var _ bus.Metrics = (*BusMetrics)(nil)
