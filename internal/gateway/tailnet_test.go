// ABOUTME: Tests for tailnet listener selection and tailscale settings resolution
// ABOUTME: fakeTailnet stands in for a tsnet node and hands out loopback listeners

package gateway

import (
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsnet"

	"github.com/2389/agentbus/internal/config"
)

// trackedListener records whether it was closed.
type trackedListener struct {
	net.Listener
	mu     sync.Mutex
	closed bool
}

func (l *trackedListener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.Listener.Close()
}

func (l *trackedListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeTailnet struct {
	t     *testing.T
	calls []string
	fail  map[string]error

	listeners []*trackedListener
}

func newFakeTailnet(t *testing.T) *fakeTailnet {
	return &fakeTailnet{t: t, fail: map[string]error{}}
}

func (f *fakeTailnet) open(kind, addr string) (net.Listener, error) {
	call := kind + " " + addr
	f.calls = append(f.calls, call)
	if err := f.fail[call]; err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(f.t, err)
	tracked := &trackedListener{Listener: ln}
	f.listeners = append(f.listeners, tracked)
	f.t.Cleanup(func() { _ = ln.Close() })
	return tracked, nil
}

func (f *fakeTailnet) Listen(_, addr string) (net.Listener, error) {
	return f.open("listen", addr)
}

func (f *fakeTailnet) ListenTLS(_, addr string) (net.Listener, error) {
	return f.open("tls", addr)
}

func (f *fakeTailnet) ListenFunnel(_, addr string, _ ...tsnet.FunnelOption) (net.Listener, error) {
	return f.open("funnel", addr)
}

func TestListenTailnet_ListenerSelection(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.TailscaleConfig
		calls []string
	}{
		{
			name:  "plain http",
			cfg:   config.TailscaleConfig{},
			calls: []string{"listen :50051", "listen :80"},
		},
		{
			name:  "https with tailnet certs",
			cfg:   config.TailscaleConfig{HTTPS: true},
			calls: []string{"listen :50051", "tls :443"},
		},
		{
			name:  "funnel wins over https",
			cfg:   config.TailscaleConfig{HTTPS: true, Funnel: true},
			calls: []string{"listen :50051", "funnel :443"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeTailnet(t)

			grpcLn, httpLn, err := listenTailnet(node, tt.cfg)
			require.NoError(t, err)
			assert.NotNil(t, grpcLn)
			assert.NotNil(t, httpLn)
			assert.Equal(t, tt.calls, node.calls)
		})
	}
}

func TestListenTailnet_HTTPFailureClosesGRPCListener(t *testing.T) {
	node := newFakeTailnet(t)
	node.fail["tls :443"] = errors.New("no certs for this tailnet")

	grpcLn, httpLn, err := listenTailnet(node, config.TailscaleConfig{HTTPS: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certs for this tailnet")
	assert.Nil(t, grpcLn)
	assert.Nil(t, httpLn)

	require.Len(t, node.listeners, 1)
	assert.True(t, node.listeners[0].isClosed())
}

func TestListenTailnet_GRPCFailure(t *testing.T) {
	node := newFakeTailnet(t)
	node.fail["listen :50051"] = errors.New("port in use")

	_, _, err := listenTailnet(node, config.TailscaleConfig{})
	require.Error(t, err)
	assert.Equal(t, []string{"listen :50051"}, node.calls)
	assert.Empty(t, node.listeners)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/agentbus")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentbus", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, ".local/share/agentbus/tailscale"), dir)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-configured")
	require.NoError(t, err)
	assert.Equal(t, "tskey-configured", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestSetupListeners_SelectsTransport(t *testing.T) {
	t.Run("tcp", func(t *testing.T) {
		gw, _, _ := newTestGateway(t)

		grpcLn, httpLn, err := gw.setupListeners(t.Context())
		require.NoError(t, err)
		t.Cleanup(func() { _ = grpcLn.Close(); _ = httpLn.Close() })

		assert.Equal(t, gw.config.Server.GRPCAddr, grpcLn.Addr().String())
		assert.Equal(t, gw.config.Server.HTTPAddr, httpLn.Addr().String())
		assert.Nil(t, gw.tsnetServer)
	})

	t.Run("tailnet without auth key", func(t *testing.T) {
		stateDir := t.TempDir()
		gw, _, _ := newTestGateway(t, func(cfg *config.Config) {
			cfg.Tailscale = config.TailscaleConfig{Enabled: true, Hostname: "agentbus", StateDir: stateDir}
		})
		t.Setenv("TS_AUTHKEY", "")

		_, _, err := gw.setupListeners(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tailscale auth key required")
		assert.Nil(t, gw.tsnetServer)
	})
}
