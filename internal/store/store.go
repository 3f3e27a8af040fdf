// ABOUTME: Store interface and data types for agentbus persistence
// ABOUTME: Defines the AgentSession ledger entry and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSessionClosed is returned when ending a session that already ended
var ErrSessionClosed = errors.New("session already closed")

// DisconnectReason records why a session ended.
type DisconnectReason string

const (
	ReasonClosed   DisconnectReason = "closed"   // peer closed the connection cleanly
	ReasonError    DisconnectReason = "error"    // transport failure or timeout
	ReasonShutdown DisconnectReason = "shutdown" // gateway stopping, or found open at startup
)

// AgentSession is one connection lifetime of an agent: from successful
// registration to unregistration. Message payloads are never stored.
type AgentSession struct {
	ID             string
	AgentID        string
	Capabilities   []string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time       // nil while connected
	Reason         DisconnectReason // empty while connected
}

// Open reports whether the session has not been ended yet.
func (s *AgentSession) Open() bool {
	return s.DisconnectedAt == nil
}

// SessionFilter specifies filtering options for listing sessions.
type SessionFilter struct {
	AgentID  string // exact match, empty for all agents
	OpenOnly bool   // only sessions without a disconnect
	Limit    int    // max results (default 100, max 1000)
}

// Store defines the interface for the agent session ledger
type Store interface {
	// RecordSessionStart inserts a new open session. ID and ConnectedAt are
	// generated when empty.
	RecordSessionStart(ctx context.Context, s *AgentSession) error

	// RecordSessionEnd stamps the disconnect time and reason of an open session.
	RecordSessionEnd(ctx context.Context, sessionID string, at time.Time, reason DisconnectReason) error

	// GetSession retrieves a session by ID
	GetSession(ctx context.Context, sessionID string) (*AgentSession, error)

	// ListSessions returns sessions newest first
	ListSessions(ctx context.Context, f SessionFilter) ([]AgentSession, error)

	// CloseOpenSessions ends every open session, returning how many were
	// touched. Run at startup to settle sessions left open by a crash.
	CloseOpenSessions(ctx context.Context, at time.Time, reason DisconnectReason) (int64, error)

	// Close closes the database connection
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
