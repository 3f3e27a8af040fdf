// ABOUTME: Shared helpers for gateway tests: test gateways, websocket test agents, fake conns
// ABOUTME: testAgent splits inbound frames into acks and delivered envelopes

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentbus/internal/bus"
	"github.com/2389/agentbus/internal/config"
	"github.com/2389/agentbus/internal/store"
)

const (
	testTimeout = 2 * time.Second
	testSecret  = "test-secret-that-is-at-least-32-bytes-long"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr returns a loopback address with a currently unused port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: store.MemoryPath,
		},
		Agents: config.AgentsConfig{
			WriteTimeout:    5 * time.Second,
			DedupeTTL:       5 * time.Minute,
			MaxMessageBytes: 1 << 20,
		},
	}
}

// newTestGateway builds a gateway backed by a MockStore and serves its
// handler from an httptest server. Both are torn down with the test.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *httptest.Server, *store.MockStore) {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	ms := store.NewMockStore()
	gw, err := New(t.Context(), cfg, testLogger(), WithStore(ms))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, srv, ms
}

func withAuth(cfg *config.Config) {
	cfg.Auth.JWTSecret = testSecret
}

func wsURL(srv *httptest.Server, agentID, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agentID
	if query != "" {
		u += "?" + query
	}
	return u
}

// testAgent is a websocket client speaking the control protocol.
type testAgent struct {
	t    *testing.T
	id   string
	conn *websocket.Conn

	acks      chan map[string]any
	envelopes chan map[string]any
	done      chan struct{}

	mu      sync.Mutex
	readErr error
}

func newTestAgent(t *testing.T, id string, conn *websocket.Conn) *testAgent {
	a := &testAgent{
		t:         t,
		id:        id,
		conn:      conn,
		acks:      make(chan map[string]any, 64),
		envelopes: make(chan map[string]any, 64),
		done:      make(chan struct{}),
	}
	go a.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return a
}

func (a *testAgent) readLoop() {
	defer close(a.done)
	for {
		var frame map[string]any
		if err := a.conn.ReadJSON(&frame); err != nil {
			a.mu.Lock()
			a.readErr = err
			a.mu.Unlock()
			return
		}
		if _, isAck := frame["status"]; isAck {
			a.acks <- frame
		} else {
			a.envelopes <- frame
		}
	}
}

// connectAgent dials the gateway and waits until the bus lists the agent.
func connectAgent(t *testing.T, gw *Gateway, srv *httptest.Server, agentID string, capabilities ...string) *testAgent {
	t.Helper()

	query := ""
	if len(capabilities) > 0 {
		query = "capabilities=" + strings.Join(capabilities, ",")
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, agentID, query), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool { return gw.Bus().IsOnline(agentID) },
		testTimeout, 5*time.Millisecond, "agent %s never registered", agentID)
	return newTestAgent(t, agentID, conn)
}

// dialRaw connects agentID without a frame-splitting reader, for tests that
// inspect delivered bytes.
func dialRaw(t *testing.T, gw *Gateway, srv *httptest.Server, agentID string, capabilities ...string) *websocket.Conn {
	t.Helper()

	query := ""
	if len(capabilities) > 0 {
		query = "capabilities=" + strings.Join(capabilities, ",")
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, agentID, query), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return gw.Bus().IsOnline(agentID) },
		testTimeout, 5*time.Millisecond, "agent %s never registered", agentID)
	return conn
}

// readRaw returns the next frame on conn as text.
func readRaw(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

// do sends msg and returns the ack for it.
func (a *testAgent) do(msg any) map[string]any {
	a.t.Helper()
	require.NoError(a.t, a.conn.WriteJSON(msg))
	return a.nextAck()
}

// doRaw sends a raw text frame and returns the ack for it.
func (a *testAgent) doRaw(data string) map[string]any {
	a.t.Helper()
	require.NoError(a.t, a.conn.WriteMessage(websocket.TextMessage, []byte(data)))
	return a.nextAck()
}

func (a *testAgent) nextAck() map[string]any {
	a.t.Helper()
	select {
	case ack := <-a.acks:
		return ack
	case <-time.After(testTimeout):
		a.t.Fatalf("agent %s: no ack within %v", a.id, testTimeout)
		return nil
	}
}

func (a *testAgent) nextEnvelope() map[string]any {
	a.t.Helper()
	select {
	case env := <-a.envelopes:
		return env
	case <-time.After(testTimeout):
		a.t.Fatalf("agent %s: no envelope within %v", a.id, testTimeout)
		return nil
	}
}

func (a *testAgent) expectNoEnvelope(wait time.Duration) {
	a.t.Helper()
	select {
	case env := <-a.envelopes:
		a.t.Fatalf("agent %s: unexpected envelope %v", a.id, env)
	case <-time.After(wait):
	}
}

// waitClosed waits for the server to end the connection and returns the read error.
func (a *testAgent) waitClosed() error {
	a.t.Helper()
	select {
	case <-a.done:
	case <-time.After(testTimeout):
		a.t.Fatalf("agent %s: connection not closed within %v", a.id, testTimeout)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readErr
}

// closeNormally sends a normal-closure frame and closes the socket.
func (a *testAgent) closeNormally() {
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	_ = a.conn.Close()
}

// recordingConn is a bus.Conn that records envelopes, for REST tests that
// register agents directly on the bus.
type recordingConn struct {
	mu        sync.Mutex
	envelopes []*bus.Envelope
}

func (c *recordingConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if env, ok := v.(*bus.Envelope); ok {
		c.envelopes = append(c.envelopes, env)
	}
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) received() []*bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Envelope(nil), c.envelopes...)
}

// doRequest runs req against the gateway handler.
func doRequest(gw *Gateway, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}
