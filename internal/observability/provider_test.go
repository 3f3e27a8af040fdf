// ABOUTME: Tests for the observability provider and bus metrics
// ABOUTME: Scrapes the Prometheus handler to check series names and labels

package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/2389/agentbus/internal/bus"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMetricsProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{ServiceName: "agentbus-test", MetricsEnabled: true}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestProvider_MetricsDisabled(t *testing.T) {
	p, err := New(context.Background(), Config{}, quietLogger())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.Meter())
	assert.NotNil(t, p.Tracer())

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Noop instruments still satisfy bus.Metrics.
	m, err := NewBusMetrics(p.Meter())
	require.NoError(t, err)
	m.Published(context.Background(), "news", 3)
}

func TestProvider_RuntimeCollectors(t *testing.T) {
	p := newMetricsProvider(t)
	body := scrape(t, p.MetricsHandler())
	assert.Contains(t, body, "go_goroutines")
}

func TestBusMetrics_Exported(t *testing.T) {
	p := newMetricsProvider(t)
	m, err := NewBusMetrics(p.Meter())
	require.NoError(t, err)

	ctx := context.Background()
	m.AgentsChanged(ctx, 1)
	m.AgentsChanged(ctx, 1)
	m.AgentsChanged(ctx, -1)
	m.Published(ctx, "news", 2)
	m.Delivered(ctx, bus.KindBroadcast, nil)
	m.Delivered(ctx, bus.KindBroadcast, errors.New("broken pipe"))
	m.Delivered(ctx, bus.KindDirect, fmt.Errorf("%w: ghost", bus.ErrRecipientNotFound))
	m.CollaborationRequested(ctx, bus.StatusNoCapableAgents)

	body := scrape(t, p.MetricsHandler())

	assert.Contains(t, body, "agentbus_connected_agents")
	assert.Contains(t, body, "agentbus_publishes_total")
	assert.Contains(t, body, `topic="news"`)
	assert.Contains(t, body, "agentbus_publish_recipients")
	assert.Contains(t, body, "agentbus_deliveries_total")
	assert.Contains(t, body, `outcome="failed"`)
	assert.Contains(t, body, "agentbus_direct_messages_total")
	assert.Contains(t, body, `outcome="not_found"`)
	assert.Contains(t, body, "agentbus_collaboration_requests_total")
	assert.Contains(t, body, `status="no_capable_agents"`)
}

func TestDeliveryOutcome(t *testing.T) {
	assert.Equal(t, OutcomeDelivered, deliveryOutcome(nil))
	assert.Equal(t, OutcomeNotFound, deliveryOutcome(fmt.Errorf("%w: x", bus.ErrRecipientNotFound)))
	assert.Equal(t, OutcomeFailed, deliveryOutcome(fmt.Errorf("%w: x: eof", bus.ErrDeliveryFailed)))
}

func TestActionTracer_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	tracer := NewActionTracer(tp.Tracer(ScopeName))

	_, span := tracer.Start(context.Background(), "publish", "agent-1")
	End(span, nil)
	_, span = tracer.Start(context.Background(), "direct_message", "agent-1")
	End(span, bus.ErrRecipientNotFound)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "bus.publish", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, "bus.direct_message", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "exception", spans[1].Events()[0].Name)
}
