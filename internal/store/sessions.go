// ABOUTME: Agent session ledger methods on SQLiteStore
// ABOUTME: Records connect/disconnect of each agent connection, never message payloads

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordSessionStart inserts a new open session.
// Generates ID and ConnectedAt if not set.
func (s *SQLiteStore) RecordSessionStart(ctx context.Context, sess *AgentSession) error {
	if sess.AgentID == "" {
		return fmt.Errorf("recording session: empty agent id")
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.ConnectedAt.IsZero() {
		sess.ConnectedAt = time.Now().UTC()
	}

	capsJSON, err := marshalCapabilities(sess.Capabilities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agent_sessions (session_id, agent_id, capabilities_json, remote_addr, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		sess.AgentID,
		capsJSON,
		sess.RemoteAddr,
		formatTime(sess.ConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("session started", "session_id", sess.ID, "agent_id", sess.AgentID)
	return nil
}

// RecordSessionEnd stamps the disconnect time and reason on an open session.
// Returns ErrNotFound for an unknown id and ErrSessionClosed if it already ended.
func (s *SQLiteStore) RecordSessionEnd(ctx context.Context, sessionID string, at time.Time, reason DisconnectReason) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET disconnected_at = ?, reason = ?
		WHERE session_id = ? AND disconnected_at IS NULL
	`, formatTime(at), string(reason), sessionID)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		s.logger.Debug("session ended", "session_id", sessionID, "reason", reason)
		return nil
	}

	// Nothing updated: tell a missing session apart from an ended one.
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrSessionClosed
}

const sessionColumns = `session_id, agent_id, capabilities_json, remote_addr, connected_at, disconnected_at, reason`

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

const listSessionsQuery = `
	SELECT ` + sessionColumns + `
	FROM agent_sessions
	WHERE (? = '' OR agent_id = ?)
	  AND (? = 0 OR disconnected_at IS NULL)
	ORDER BY connected_at DESC, rowid DESC
	LIMIT ?
`

// ListSessions returns sessions matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]AgentSession, error) {
	openOnly := 0
	if f.OpenOnly {
		openOnly = 1
	}

	rows, err := s.db.QueryContext(ctx, listSessionsQuery,
		f.AgentID, f.AgentID,
		openOnly,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []AgentSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// CloseOpenSessions ends every open session with the given reason.
func (s *SQLiteStore) CloseOpenSessions(ctx context.Context, at time.Time, reason DisconnectReason) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions
		SET disconnected_at = ?, reason = ?
		WHERE disconnected_at IS NULL
	`, formatTime(at), string(reason))
	if err != nil {
		return 0, fmt.Errorf("closing open sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("closed stale sessions", "count", n, "reason", reason)
	}
	return n, nil
}

// scanSession scans a row into an AgentSession.
func scanSession(scanner interface{ Scan(dest ...any) error }) (AgentSession, error) {
	var sess AgentSession
	var capsJSON, connectedStr string
	var disconnectedStr, reasonStr *string

	if err := scanner.Scan(
		&sess.ID,
		&sess.AgentID,
		&capsJSON,
		&sess.RemoteAddr,
		&connectedStr,
		&disconnectedStr,
		&reasonStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("scanning session: %w", err)
	}

	var err error
	if sess.Capabilities, err = unmarshalCapabilities(capsJSON); err != nil {
		return sess, err
	}
	if sess.ConnectedAt, err = parseTime(connectedStr); err != nil {
		return sess, fmt.Errorf("parsing connected_at: %w", err)
	}
	if disconnectedStr != nil {
		t, err := parseTime(*disconnectedStr)
		if err != nil {
			return sess, fmt.Errorf("parsing disconnected_at: %w", err)
		}
		sess.DisconnectedAt = &t
	}
	if reasonStr != nil {
		sess.Reason = DisconnectReason(*reasonStr)
	}
	return sess, nil
}
