// Package database owns the sqlite schema for the db persistence driver and
// its migration runner.
package database

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_app_config_and_run_events",
			SQL: `
				-- Key/value store mirroring the file driver's snapshot files
				-- (calibration, varianceStats, modelStats, trust, governance config).
				CREATE TABLE IF NOT EXISTS app_config (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				-- One row per run log event (runs.jsonl equivalent).
				CREATE TABLE IF NOT EXISTS run_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					task_id TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					payload TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_run_events_task_id ON run_events (task_id);
				CREATE INDEX IF NOT EXISTS idx_run_events_created_at ON run_events (created_at);

				CREATE TABLE IF NOT EXISTS schema_migrations (
					version INTEGER PRIMARY KEY,
					name TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
		{
			Version: 2,
			Name:    "create_project_runs",
			SQL: `
				-- Full project-run payloads (.data/demo-runs equivalent).
				CREATE TABLE IF NOT EXISTS project_runs (
					run_session_id TEXT PRIMARY KEY,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					payload TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_project_runs_created_at ON project_runs (created_at);
			`,
		},
		{
			Version: 3,
			Name:    "create_governance_events",
			SQL: `
				-- Append-only governance audit trail (governance.jsonl equivalent).
				CREATE TABLE IF NOT EXISTS governance_events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					payload TEXT NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_governance_events_created_at ON governance_events (created_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range GetMigrations() {
		if migration.Version <= currentVersion {
			continue // Already applied
		}
		if err := runMigration(db, migration); err != nil {
			return fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureMigrationsTable(db *sql.DB) error {
	sql := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.Exec(sql)
	return err
}

// getCurrentVersion returns the current schema version
func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if err.Error() == "SQL logic error: no such table: schema_migrations (1)" {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// runMigration executes a single migration
func runMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		migration.Version, migration.Name,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ConfigureDatabase applies SQLite optimizations and runs migrations
func ConfigureDatabase(db *sql.DB) error {
	// SQLite serializes writes, so limit connections to avoid contention.
	// WAL mode allows concurrent readers, so we allow a few connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma '%s': %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
