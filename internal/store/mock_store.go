// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*AgentSession // keyed by session ID
	order    []string                 // session IDs in insertion order
	closed   bool

	// Err, when set, is returned from every write.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*AgentSession),
	}
}

// RecordSessionStart stores a new open session.
func (m *MockStore) RecordSessionStart(ctx context.Context, sess *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if sess.AgentID == "" {
		return fmt.Errorf("recording session: empty agent id")
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = time.Now().UTC()
	}

	m.sessions[sess.ID] = copySession(sess)
	m.order = append(m.order, sess.ID)
	return nil
}

// RecordSessionEnd stamps the disconnect time and reason on an open session.
func (m *MockStore) RecordSessionEnd(ctx context.Context, sessionID string, at time.Time, reason DisconnectReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !sess.Open() {
		return ErrSessionClosed
	}
	t := at.UTC()
	sess.DisconnectedAt = &t
	sess.Reason = reason
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *MockStore) ListSessions(ctx context.Context, f SessionFilter) ([]AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []AgentSession{}
	for i := len(m.order) - 1; i >= 0; i-- {
		sess := m.sessions[m.order[i]]
		if f.AgentID != "" && sess.AgentID != f.AgentID {
			continue
		}
		if f.OpenOnly && !sess.Open() {
			continue
		}
		result = append(result, *copySession(sess))
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ConnectedAt.After(result[j].ConnectedAt)
	})

	if limit := normalizeLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CloseOpenSessions ends every open session.
func (m *MockStore) CloseOpenSessions(ctx context.Context, at time.Time, reason DisconnectReason) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, sess := range m.sessions {
		if sess.Open() {
			t := at.UTC()
			sess.DisconnectedAt = &t
			sess.Reason = reason
			n++
		}
	}
	return n, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockStore) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func copySession(s *AgentSession) *AgentSession {
	cp := *s
	cp.Capabilities = slices.Clone(s.Capabilities)
	if cp.Capabilities == nil {
		cp.Capabilities = []string{}
	}
	if s.DisconnectedAt != nil {
		t := *s.DisconnectedAt
		cp.DisconnectedAt = &t
	}
	return &cp
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
