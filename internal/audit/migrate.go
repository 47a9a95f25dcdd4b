package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is one schema step, applied once and tracked in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "tool_dispatches",
		SQL: `
		CREATE TABLE IF NOT EXISTS tool_dispatches (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL DEFAULT '',
			tool_name   TEXT NOT NULL,
			server      TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_dispatches_time ON tool_dispatches(created_at);
		`,
	},
	{
		Version:     2,
		Description: "per-session lookups",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_dispatches_session ON tool_dispatches(session_id, created_at);`,
	},
}

func schemaVersion() int { return migrations[len(migrations)-1].Version }

func migrate(db *sql.DB, logger *slog.Logger) error {
	const versions = `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(versions); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying audit migration", "version", m.Version, "description", m.Description)
		if err := apply(db, m); err != nil {
			return fmt.Errorf("audit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version, description) VALUES (?, ?)`, m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
