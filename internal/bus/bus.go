// ABOUTME: Connection registry for the agent message bus
// ABOUTME: One lock guards both the registry and the subscription index

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

var (
	// ErrInvalidAgentID indicates an empty agent identifier.
	ErrInvalidAgentID = errors.New("invalid agent id")

	// ErrAgentAlreadyRegistered indicates an agent with the same ID is still connected.
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrRecipientNotFound indicates a direct message targeted an agent that is not connected.
	ErrRecipientNotFound = errors.New("recipient agent not found")

	// ErrDeliveryFailed wraps a transport error from a single targeted send.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrClosed indicates the bus no longer accepts registrations.
	ErrClosed = errors.New("bus closed")
)

// Conn is the transport-level handle an agent is reached through. SendJSON
// may be called from several goroutines at once.
type Conn interface {
	SendJSON(v any) error
	Close() error
}

type agentEntry struct {
	id           string
	conn         Conn
	capabilities []string
	connectedAt  time.Time
}

// Bus is a topic-based publish/subscribe broker for connected agents.
//
// The registry (agents) and the subscription index (topics) live behind the
// same mutex, so unregister removes an agent from both in one step and a
// delivery snapshot never pairs a subscriber with a removed registry entry.
// Sends always happen outside the lock.
type Bus struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	topics map[string]map[string]struct{}
	closed bool

	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics reports bus activity to m.
func WithMetrics(m Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithClock overrides the clock used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty Bus. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		agents:  make(map[string]*agentEntry),
		topics:  make(map[string]map[string]struct{}),
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a connected agent and announces it on LifecycleTopic to every
// other subscriber. A second registration for an id that is still connected
// is rejected with ErrAgentAlreadyRegistered; the live connection is kept.
func (b *Bus) Register(ctx context.Context, agentID string, conn Conn, capabilities []string) error {
	if agentID == "" {
		return ErrInvalidAgentID
	}
	if conn == nil {
		return fmt.Errorf("registering %s: nil connection", agentID)
	}

	caps := slices.Clone(capabilities)
	if caps == nil {
		caps = []string{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, exists := b.agents[agentID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, agentID)
	}
	b.agents[agentID] = &agentEntry{
		id:           agentID,
		conn:         conn,
		capabilities: caps,
		connectedAt:  b.now(),
	}
	total := len(b.agents)
	b.mu.Unlock()

	b.logger.Info("agent registered",
		"agent_id", agentID,
		"capabilities", caps,
		"total_agents", total,
	)
	b.metrics.AgentsChanged(ctx, 1)

	b.publish(ctx, LifecycleTopic, map[string]any{
		"event":        EventAgentConnected,
		"agent_id":     agentID,
		"capabilities": slices.Clone(caps),
	}, SystemSender, agentID)
	return nil
}

// Unregister removes the agent from the registry and from every topic, then
// announces the departure on LifecycleTopic. It is idempotent: calling it for
// an unknown id only clears stray subscriptions and announces nothing.
func (b *Bus) Unregister(ctx context.Context, agentID string) {
	b.mu.Lock()
	_, existed := b.agents[agentID]
	delete(b.agents, agentID)
	for _, subs := range b.topics {
		delete(subs, agentID)
	}
	remaining := len(b.agents)
	b.mu.Unlock()

	if !existed {
		return
	}

	b.logger.Info("agent unregistered",
		"agent_id", agentID,
		"remaining_agents", remaining,
	)
	b.metrics.AgentsChanged(ctx, -1)

	b.publish(ctx, LifecycleTopic, map[string]any{
		"event":    EventAgentDisconnected,
		"agent_id": agentID,
	}, SystemSender, agentID)
}

// ListAgents returns a snapshot of connected agents sorted by id. It is meant
// for discovery; delivery paths re-read the registry at send time.
func (b *Bus) ListAgents() []AgentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agents := make([]AgentInfo, 0, len(b.agents))
	for _, entry := range b.agents {
		agents = append(agents, entry.info())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// GetAgent returns the registry entry for agentID.
func (b *Bus) GetAgent(agentID string) (AgentInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return entry.info(), true
}

// IsOnline reports whether agentID is currently registered.
func (b *Bus) IsOnline(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

// AgentCount returns the number of registered agents.
func (b *Bus) AgentCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops accepting registrations and closes every agent connection so
// that their receive loops end and unregister themselves. Connections are
// closed concurrently, so one stalled peer does not delay the rest. Safe to
// call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := make(map[string]Conn, len(b.agents))
	for id, entry := range b.agents {
		conns[id] = entry.conn
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for id, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("panic closing agent connection", "agent_id", id, "panic", r)
				}
			}()
			if err := conn.Close(); err != nil {
				b.logger.Debug("closing agent connection", "agent_id", id, "error", err)
			}
		}()
	}
	wg.Wait()
	b.logger.Info("bus closed", "closed_connections", len(conns))
}

func (e *agentEntry) info() AgentInfo {
	return AgentInfo{
		ID:           e.id,
		Capabilities: slices.Clone(e.capabilities),
		ConnectedAt:  e.connectedAt,
	}
}
