// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == MemoryPath
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id        TEXT PRIMARY KEY,
			agent_id          TEXT NOT NULL,
			capabilities_json TEXT NOT NULL DEFAULT '[]',
			remote_addr       TEXT NOT NULL DEFAULT '',
			connected_at      TEXT NOT NULL,
			disconnected_at   TEXT,
			reason            TEXT,

			CHECK (reason IS NULL OR reason IN ('closed', 'error', 'shutdown'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent
			ON agent_sessions(agent_id, connected_at);

		CREATE INDEX IF NOT EXISTS idx_agent_sessions_open
			ON agent_sessions(disconnected_at) WHERE disconnected_at IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable; used by readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func marshalCapabilities(caps []string) (string, error) {
	if caps == nil {
		caps = []string{}
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshaling capabilities: %w", err)
	}
	return string(data), nil
}

func unmarshalCapabilities(s string) ([]string, error) {
	caps := []string{}
	if s == "" {
		return caps, nil
	}
	if err := json.Unmarshal([]byte(s), &caps); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	return caps, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
