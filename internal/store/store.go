// Package store provides the local SQLite store for huddle.
//
// The store is a narrow row store: entities are kept as JSON blobs keyed by
// (kind, id) together with the version metadata the merge layer needs. It
// makes no merge decisions itself. All writes go through the merge applier.
//
// The database runs embedded (github.com/ncruces/go-sqlite3) with WAL so the
// daemon can write while CLI commands read.
//
// Tables:
//   - entities: visible state, optimistic overlay marker, confirmed state
//   - pending_mutations: locally-originated changes awaiting confirmation
//   - subscriptions: projects the client follows
//   - scheduler_state, risk_levels: background worker state that must
//     survive restarts
//   - conflicts: equal-version conflicts, kept for inspection
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat keeps sub-second precision; versions are compared exactly.
const timeFormat = time.RFC3339Nano

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string

	subsMu  sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

// Open creates or opens the store at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
//
// Example:
//
//	st, err := store.Open(".huddle/huddle.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// Immediate transactions take the write lock up front, which keeps
	// read-then-write transactions from failing with SQLITE_BUSY.
	// The DSN is a URI, so the path is escaped: a '#' or '?' in a directory
	// name would otherwise cut it short and open some other file.
	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: "_txlock=immediate&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
	}).String()
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
		subs: make(map[int]func(Change)),
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// RawDB returns the underlying connection for tooling that needs it.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the tables with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		pending_mutation_id TEXT NOT NULL DEFAULT '',
		data TEXT,
		confirmed TEXT,  -- JSON candidate beneath an optimistic overlay
		stored_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS pending_mutations (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		op TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		project_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduler_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_levels (
		task_id TEXT PRIMARY KEY,
		level TEXT NOT NULL,
		evaluated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		current TEXT NOT NULL,
		candidate TEXT NOT NULL,
		winner TEXT NOT NULL,
		detected_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(kind, project_id, deleted);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON pending_mutations(entity_kind, entity_id, status);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON pending_mutations(status, seq);
	`

	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
