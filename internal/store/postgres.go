// Package store provides the optional Postgres-backed durable layer for
// session state. It persists session key/value records in a single table and
// mirrors nothing locally; the session package's in-memory overlay keeps
// flows working when the database is unavailable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultSessionTable = "session_store"

// PostgresConfig captures what is needed to initialize a Postgres session
// backend.
type PostgresConfig struct {
	DSN          string
	SessionTable string
}

// PostgresBackend persists session records in PostgreSQL. Each session gets
// its own key namespace through the sessionID column, so one backend serves
// every session of the process.
type PostgresBackend struct {
	db    *sql.DB
	table string
}

// NewPostgresBackend connects to PostgreSQL and ensures the session table
// exists.
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	table := strings.TrimSpace(cfg.SessionTable)
	if table == "" {
		table = defaultSessionTable
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	backend := &PostgresBackend{db: db, table: quoteIdentifier(table)}
	if err = backend.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// Close releases the underlying database connection.
func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			content JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (session_id, key)
		)
	`, b.table))
	if err != nil {
		return fmt.Errorf("postgres store: create session table: %w", err)
	}
	return nil
}

// ForSession returns a session.Backend view scoped to one session ID.
func (b *PostgresBackend) ForSession(sessionID string) *SessionBackend {
	return &SessionBackend{parent: b, sessionID: sessionID}
}

// PruneIdle deletes records that have not been touched within maxIdle.
func (b *PostgresBackend) PruneIdle(ctx context.Context, maxIdle time.Duration) error {
	cutoff := time.Now().Add(-maxIdle)
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE updated_at < $1", b.table), cutoff)
	if err != nil {
		return fmt.Errorf("postgres store: prune idle sessions: %w", err)
	}
	return nil
}

// SessionBackend adapts one session's namespace to the session.Backend
// contract.
type SessionBackend struct {
	parent    *PostgresBackend
	sessionID string
}

// Save upserts the raw JSON value under the session's key.
func (s *SessionBackend) Save(key string, value []byte) error {
	_, err := s.parent.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (session_id, key, content, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, key)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.parent.table), s.sessionID, key, string(value))
	if err != nil {
		return fmt.Errorf("postgres store: save %q: %w", key, err)
	}
	return nil
}

// Load fetches the raw JSON value under the session's key.
func (s *SessionBackend) Load(key string) ([]byte, bool, error) {
	var content string
	err := s.parent.db.QueryRow(fmt.Sprintf(
		"SELECT content FROM %s WHERE session_id = $1 AND key = $2", s.parent.table),
		s.sessionID, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: load %q: %w", key, err)
	}
	return []byte(content), true, nil
}

// Remove deletes the record under the session's key.
func (s *SessionBackend) Remove(key string) error {
	_, err := s.parent.db.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE session_id = $1 AND key = $2", s.parent.table),
		s.sessionID, key)
	if err != nil {
		return fmt.Errorf("postgres store: remove %q: %w", key, err)
	}
	return nil
}

// quoteIdentifier wraps an identifier in double quotes, escaping embedded
// quotes, so configured table names cannot break the statement.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
