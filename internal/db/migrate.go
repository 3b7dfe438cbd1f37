package db

import (
	"context"
	"fmt"
)

// migration is one schema step. Statements differ only where the two
// dialects disagree on DDL.
type migration struct {
	Version  int
	Name     string
	SQLite   string
	Postgres string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create news",
		SQLite: `CREATE TABLE IF NOT EXISTS news (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT,
			content TEXT,
			url TEXT UNIQUE,
			published_at TEXT,
			source TEXT,
			summary TEXT
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS news (
			id BIGSERIAL PRIMARY KEY,
			title TEXT,
			content TEXT,
			url TEXT UNIQUE,
			published_at TEXT,
			source TEXT,
			summary TEXT
		)`,
	},
	{
		Version: 2,
		Name:    "create summary_metrics",
		SQLite: `CREATE TABLE IF NOT EXISTS summary_metrics (
			news_id INTEGER REFERENCES news(id),
			summary_length INTEGER,
			response_time REAL,
			model TEXT
		)`,
		Postgres: `CREATE TABLE IF NOT EXISTS summary_metrics (
			news_id BIGINT REFERENCES news(id),
			summary_length INTEGER,
			response_time DOUBLE PRECISION,
			model TEXT
		)`,
	},
	{
		Version:  3,
		Name:     "index published_at and source",
		SQLite:   `CREATE INDEX IF NOT EXISTS idx_news_published ON news(published_at); CREATE INDEX IF NOT EXISTS idx_news_source ON news(source)`,
		Postgres: `CREATE INDEX IF NOT EXISTS idx_news_published ON news(published_at); CREATE INDEX IF NOT EXISTS idx_news_source ON news(source)`,
	},
}

// MigrationStats reports what Migrate did.
type MigrationStats struct {
	CurrentVersion int
	Applied        []string
}

// Migrate applies every migration newer than the recorded schema version.
// Each step runs in its own transaction together with its version row.
func (db *DB) Migrate(ctx context.Context) (*MigrationStats, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	stats := &MigrationStats{}
	if err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&stats.CurrentVersion); err != nil {
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= stats.CurrentVersion {
			continue
		}
		stmt := m.SQLite
		if db.driver == DriverPostgres {
			stmt = m.Postgres
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return stats, fmt.Errorf("migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return stats, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			db.rebind("INSERT INTO schema_migrations (version, name) VALUES (?, ?)"),
			m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback()
			return stats, fmt.Errorf("migration %d: record version: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return stats, fmt.Errorf("migration %d: commit: %w", m.Version, err)
		}

		stats.CurrentVersion = m.Version
		stats.Applied = append(stats.Applied, m.Name)
	}

	return stats, nil
}
