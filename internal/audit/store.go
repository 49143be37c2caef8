// Package audit keeps a SQLite log of WebSocket sessions: when each
// connection opened and closed and how much it streamed. Message text is
// never written.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"streamsim/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.SessionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.SessionStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		remote_addr  TEXT,
		opened_at    DATETIME NOT NULL,
		closed_at    DATETIME,
		requests     INTEGER DEFAULT 0,
		chunks       INTEGER DEFAULT 0,
		rejected     INTEGER DEFAULT 0,
		close_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_opened ON sessions(opened_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) OpenSession(ctx context.Context, rec domain.SessionRecord) error {
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, remote_addr, opened_at) VALUES (?, ?, ?)`,
		rec.ID, rec.RemoteAddr, rec.OpenedAt.UTC(),
	)
	return err
}

// CloseSession stamps the close time and final counters. A session that was
// never opened is inserted whole.
func (s *SQLiteStore) CloseSession(ctx context.Context, rec domain.SessionRecord) error {
	closedAt := time.Now()
	if rec.ClosedAt != nil {
		closedAt = *rec.ClosedAt
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = closedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, opened_at, closed_at, requests, chunks, rejected, close_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   closed_at = excluded.closed_at,
		   requests = excluded.requests,
		   chunks = excluded.chunks,
		   rejected = excluded.rejected,
		   close_reason = excluded.close_reason`,
		rec.ID, rec.RemoteAddr, rec.OpenedAt.UTC(), closedAt.UTC(), rec.Requests, rec.Chunks, rec.Rejected, rec.CloseReason,
	)
	return err
}

// ListSessions returns the most recently opened sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote_addr, opened_at, closed_at, requests, chunks, rejected, close_reason
		 FROM sessions ORDER BY opened_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SessionRecord
	for rows.Next() {
		var r domain.SessionRecord
		var remote, reason sql.NullString
		var closedAt sql.NullTime
		if err := rows.Scan(&r.ID, &remote, &r.OpenedAt, &closedAt, &r.Requests, &r.Chunks, &r.Rejected, &reason); err != nil {
			return nil, err
		}
		r.RemoteAddr = remote.String
		r.CloseReason = reason.String
		if closedAt.Valid {
			t := closedAt.Time
			r.ClosedAt = &t
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
