// ABOUTME: Shared test doubles for the bus package
// ABOUTME: fakeConn records every envelope and can be told to fail or panic

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeConn struct {
	mu        sync.Mutex
	envelopes []*Envelope
	failWith  error
	panics    bool
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{}
}

func (c *fakeConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("connection torn down")
	}
	if c.failWith != nil {
		return c.failWith
	}
	env, ok := v.(*Envelope)
	if !ok {
		return errors.New("unexpected message type")
	}
	cp := *env
	c.envelopes = append(c.envelopes, &cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Envelope, len(c.envelopes))
	copy(out, c.envelopes)
	return out
}

// receivedOn filters recorded envelopes to a single topic.
func (c *fakeConn) receivedOn(topic string) []*Envelope {
	var out []*Envelope
	for _, env := range c.received() {
		if env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(opts ...Option) *Bus {
	return New(quietLogger(), opts...)
}

// mustRegister registers id with a fresh fakeConn and returns the conn.
func mustRegister(t *testing.T, b *Bus, id string, caps ...string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	require.NoError(t, b.Register(context.Background(), id, conn, caps))
	return conn
}

// recordingMetrics captures bus metric callbacks for assertions.
type recordingMetrics struct {
	mu             sync.Mutex
	agentDelta     int64
	published      map[string]int
	delivered      map[string]int
	failed         map[string]int
	collaborations map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		published:      make(map[string]int),
		delivered:      make(map[string]int),
		failed:         make(map[string]int),
		collaborations: make(map[string]int),
	}
}

func (m *recordingMetrics) AgentsChanged(_ context.Context, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentDelta += delta
}

func (m *recordingMetrics) Published(_ context.Context, topic string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic]++
}

func (m *recordingMetrics) Delivered(_ context.Context, kind string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed[kind]++
		return
	}
	m.delivered[kind]++
}

func (m *recordingMetrics) CollaborationRequested(_ context.Context, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collaborations[status]++
}
