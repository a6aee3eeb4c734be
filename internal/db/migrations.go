package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS site_sessions (
	session_id TEXT PRIMARY KEY,
	day TEXT NOT NULL CHECK(length(day) = 10),
	domain TEXT NOT NULL CHECK(length(domain) BETWEEN 1 AND 253),
	start_time TEXT NOT NULL,
	end_time TEXT,
	duration_seconds INTEGER NOT NULL DEFAULT 0 CHECK(duration_seconds >= 0),
	status TEXT NOT NULL CHECK(status IN ('active','completed')),
	visits INTEGER NOT NULL DEFAULT 1 CHECK(visits >= 0),
	updated_at TEXT NOT NULL,
	synced_at TEXT,
	CHECK(status = 'active' OR end_time IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS site_sessions_bucket
ON site_sessions(day, domain, status, updated_at);

CREATE INDEX IF NOT EXISTS site_sessions_active_updated
ON site_sessions(status, updated_at);

CREATE INDEX IF NOT EXISTS site_sessions_unsynced
ON site_sessions(updated_at)
WHERE status = 'completed' AND synced_at IS NULL;

CREATE TABLE IF NOT EXISTS markers (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS markers;
DROP INDEX IF EXISTS site_sessions_unsynced;
DROP INDEX IF EXISTS site_sessions_active_updated;
DROP INDEX IF EXISTS site_sessions_bucket;
DROP TABLE IF EXISTS site_sessions;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// RollbackAll undoes every migration, newest first. Used by tests and by
// `tabtimed --reset-db`.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("forget migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
