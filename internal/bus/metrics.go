// ABOUTME: Metrics hook the bus reports into; observability provides the real one
// ABOUTME: noopMetrics keeps the core usable without any telemetry wiring.

package bus

import "context"

// Delivery kinds reported to Metrics.
const (
	KindBroadcast = "broadcast"
	KindDirect    = "direct"
)

// Metrics receives counters from the bus. Implementations must be safe for
// concurrent use; every connection goroutine reports through the same value.
type Metrics interface {
	AgentsChanged(ctx context.Context, delta int64)
	Published(ctx context.Context, topic string, recipients int)
	Delivered(ctx context.Context, kind string, err error)
	CollaborationRequested(ctx context.Context, status string)
}

type noopMetrics struct{}

func (noopMetrics) AgentsChanged(context.Context, int64)           {}
func (noopMetrics) Published(context.Context, string, int)         {}
func (noopMetrics) Delivered(context.Context, string, error)       {}
func (noopMetrics) CollaborationRequested(context.Context, string) {}
