// Package audit keeps a SQLite log of tool dispatches: which tool ran for
// which session, on which server, how long it took and whether it failed.
// Arguments and outputs are never stored.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mcpchat/internal/domain"
)

const defaultRecentLimit = 20

// Store implements domain.AuditRecorder on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.AuditRecorder = (*Store)(nil)

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Record(ctx context.Context, e domain.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_dispatches (session_id, tool_name, server, status, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.ToolName, e.Server, string(e.Status), e.Duration.Milliseconds(), e.Error, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch of %s: %w", e.ToolName, err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, tool_name, server, status, duration_ms, error, created_at
		 FROM tool_dispatches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e          domain.AuditEntry
			status     string
			durationMs int64
		)
		if err := rows.Scan(&e.SessionID, &e.ToolName, &e.Server, &status, &durationMs, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = domain.ToolStatus(status)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats counts dispatches and error results per tool.
func (s *Store) Stats(ctx context.Context) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, COUNT(*), SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		 FROM tool_dispatches GROUP BY tool_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string][2]int)
	for rows.Next() {
		var (
			name          string
			total, failed int
		)
		if err := rows.Scan(&name, &total, &failed); err != nil {
			return nil, err
		}
		stats[name] = [2]int{total, failed}
	}
	return stats, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
