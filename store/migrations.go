package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// migration represents a single schema migration.
type migration struct {
	version     int
	description string
	apply       func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// New migrations are appended at the end; never modify existing entries.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema (applied via schemaSQL)",
		apply:       func(tx *sql.Tx) error { return nil }, // base schema applied separately
	},
	{
		version:     2,
		description: "add reprocessed_at to documents",
		apply: func(tx *sql.Tx) error {
			// Present in the base schema, so this may already exist.
			if _, err := tx.Exec("ALTER TABLE documents ADD COLUMN reprocessed_at DATETIME"); err != nil {
				slog.Debug("migration 2: column may already exist", "error", err)
			}
			return nil
		},
	},
	{
		version:     3,
		description: "add stripper_version to processing_jobs",
		apply: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE processing_jobs ADD COLUMN stripper_version TEXT"); err != nil {
				slog.Debug("migration 3: column may already exist", "error", err)
			}
			return nil
		},
	},
	{
		version:     4,
		description: "add raw_content to documents",
		apply: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE documents ADD COLUMN raw_content TEXT NOT NULL DEFAULT ''"); err != nil {
				slog.Debug("migration 4: column may already exist", "error", err)
			}
			return nil
		},
	},
	{
		version:     5,
		description: "rekey translation_cache on document identity",
		apply: func(tx *sql.Tx) error {
			// Cached translations are regenerable, so the old rows are
			// dropped rather than rekeyed.
			if _, err := tx.Exec("DROP TABLE IF EXISTS translation_cache"); err != nil {
				return err
			}
			_, err := tx.Exec(`
				CREATE TABLE translation_cache (
					id INTEGER PRIMARY KEY,
					document_id TEXT NOT NULL,
					source_hash TEXT NOT NULL,
					reading_level TEXT NOT NULL,
					prompt_hash TEXT NOT NULL,
					model TEXT NOT NULL,
					translated_text TEXT NOT NULL,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					UNIQUE(document_id, source_hash, reading_level, prompt_hash, model)
				)`)
			return err
		},
	},
}

// Migrate runs all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.version, "description", m.description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}

		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.version, m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}
