// ABOUTME: Websocket adapter that lets the bus push envelopes to a connected agent
// ABOUTME: Serializes writes, applies deadlines, and keeps the link alive with ping/pong

package gateway

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// errConnClosed is returned by SendJSON after the connection has been closed.
var errConnClosed = errors.New("connection closed")

// closeGracePeriod bounds how long a close frame may take to write.
const closeGracePeriod = time.Second

// transportOptions are the per-connection transport settings.
type transportOptions struct {
	WriteTimeout      time.Duration // per-frame write deadline, 0 disables
	HeartbeatInterval time.Duration // ping period, 0 disables
	HeartbeatTimeout  time.Duration // read deadline extended on every frame or pong, 0 disables
	MaxMessageBytes   int64         // inbound frame limit, 0 means unlimited
}

// newUpgrader returns an upgrader that accepts browsers only from
// allowedOrigins. An empty list or "*" allows every origin; requests without
// an Origin header (non-browser agents) are always accepted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// wsConn implements bus.Conn over a gorilla websocket. Bus fan-out
// goroutines and the connection's own ack writes share one write lock;
// reads happen only on the handler goroutine. Closing never waits on the
// write lock.
type wsConn struct {
	conn *websocket.Conn
	opts transportOptions

	mu     sync.Mutex // serializes data frames
	closed atomic.Bool
	done   chan struct{}
}

func newWSConn(conn *websocket.Conn, opts transportOptions) *wsConn {
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	c := &wsConn{
		conn: conn,
		opts: opts,
		done: make(chan struct{}),
	}

	if opts.HeartbeatTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.HeartbeatTimeout))
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}
	return c
}

// SendJSON writes v as a single text frame.
func (c *wsConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return errConnClosed
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.conn.WriteJSON(v)
}

// ReadMessage blocks for the next data frame. Only the handler goroutine
// may call it.
func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.extendReadDeadline()
	return data, nil
}

func (c *wsConn) extendReadDeadline() {
	if c.opts.HeartbeatTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
	}
}

// keepAlive pings the peer every HeartbeatInterval until the connection
// closes. A failed ping closes the connection, which ends the read loop.
func (c *wsConn) keepAlive() {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.pingTimeout())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) pingTimeout() time.Duration {
	if c.opts.WriteTimeout > 0 {
		return c.opts.WriteTimeout
	}
	return closeGracePeriod
}

// Close sends a going-away close frame and releases the socket.
func (c *wsConn) Close() error {
	return c.CloseWithReason(websocket.CloseGoingAway, "")
}

// CloseWithReason sends a close frame carrying code and text, then closes the
// socket. A write stalled on a slow peer fails once the socket closes. Later
// calls are no-ops.
func (c *wsConn) CloseWithReason(code int, text string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	// gorilla allows WriteControl and Close alongside an in-flight write.
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(closeGracePeriod),
	)
	return c.conn.Close()
}
