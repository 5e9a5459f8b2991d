// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: WAL mode, foreign keys, synchronous commit, schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gmkit/gm-gateway/internal/dedupe"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// idempotency fronts the idempotency_keys table; populated only after
	// a successful commit, so a hit always refers to a durable row.
	idempotency *dedupe.Cache
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Writes are serialized through a single connection; WAL still allows
	// concurrent readers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:          db,
		logger:      logger,
		idempotency: dedupe.New(IdempotencyTTL, 100_000),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'active',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,

			CHECK (status IN ('active', 'archived', 'deleted'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id),
			user_message_id     TEXT NOT NULL REFERENCES messages(id),
			status              TEXT NOT NULL DEFAULT 'pending',
			started_at          INTEGER NOT NULL,
			completed_at        INTEGER,
			response_text       TEXT,
			response_message_id TEXT,
			error               TEXT,

			CHECK (status IN ('pending', 'processing', 'completed', 'error', 'timeout', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_conversation_started
			ON sessions(conversation_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS events (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			conversation_id TEXT,
			session_id      TEXT,
			message_id      TEXT,
			data            TEXT NOT NULL DEFAULT '{}',
			created_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_conversation
			ON events(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_events_session
			ON events(session_id, created_at);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			created_at INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Provenance columns for histories imported from external agent
	// directories. SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we
	// check pragma_table_info first.
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'source'`,
			apply:  `ALTER TABLE conversations ADD COLUMN source TEXT NOT NULL DEFAULT 'gui'`,
			column: "source",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'external_id'`,
			apply:  `ALTER TABLE conversations ADD COLUMN external_id TEXT NOT NULL DEFAULT ''`,
			column: "external_id",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'project_path'`,
			apply:  `ALTER TABLE conversations ADD COLUMN project_path TEXT NOT NULL DEFAULT ''`,
			column: "project_path",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to conversations: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "conversations")
	}

	return nil
}

// Close closes the database connection and stops the idempotency cache.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	s.idempotency.Close()
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error. Either all durable effects happen or none do.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// micros converts a time to the UTC unix-microsecond representation used in
// every timestamp column.
func micros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros converts a stored unix-microsecond value back to a time.
func fromMicros(n int64) time.Time {
	return time.UnixMicro(n).UTC()
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
