package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// sqliteMigration is one versioned schema step.
type sqliteMigration struct {
	version     int
	description string
	apply       func(tx *sql.Tx, dim int) error
}

// sqliteMigrations is the ordered migration list. New migrations are
// appended at the end; never modify existing entries.
var sqliteMigrations = []sqliteMigration{
	{
		version:     1,
		description: "initial registry schema",
		apply: func(tx *sql.Tx, dim int) error {
			_, err := tx.Exec(registrySchemaSQL(dim))
			return err
		},
	},
}

// registrySchemaSQL returns the DDL for the registry tables. dim
// controls the vec0 virtual table dimension.
func registrySchemaSQL(dim int) string {
	return fmt.Sprintf(`
-- Canonical entity directory
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    doc_id TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    synonyms JSON,
    summary TEXT,
    neptune_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Exact synonym lookup rows, one per (entity, synonym)
CREATE TABLE IF NOT EXISTS entity_synonyms (
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    synonym TEXT NOT NULL,
    PRIMARY KEY (entity_id, synonym)
);

-- Summary embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Published chunk texts for retrieval
CREATE TABLE IF NOT EXISTS search_chunks (
    id INTEGER PRIMARY KEY,
    doc_id TEXT NOT NULL UNIQUE,
    context TEXT NOT NULL,
    neptune_id TEXT
);

-- Chunk embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_search_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Lexical name search via FTS5
CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
    name,
    content='entities',
    content_rowid='id',
    tokenize='unicode61'
);

-- FTS triggers to keep the index in sync
CREATE TRIGGER IF NOT EXISTS entities_ai AFTER INSERT ON entities BEGIN
    INSERT INTO entities_fts(rowid, name) VALUES (new.id, new.name);
END;
CREATE TRIGGER IF NOT EXISTS entities_ad AFTER DELETE ON entities BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, name) VALUES ('delete', old.id, old.name);
END;
CREATE TRIGGER IF NOT EXISTS entities_au AFTER UPDATE ON entities BEGIN
    INSERT INTO entities_fts(entities_fts, rowid, name) VALUES ('delete', old.id, old.name);
    INSERT INTO entities_fts(rowid, name) VALUES (new.id, new.name);
END;

-- Indexes
CREATE INDEX IF NOT EXISTS idx_entities_name_type ON entities(name, entity_type);
CREATE INDEX IF NOT EXISTS idx_entity_synonyms_synonym ON entity_synonyms(synonym);
`, dim, dim)
}

// migrate runs all pending schema migrations.
func (s *SQLite) migrate(ctx context.Context) error {
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

	for _, m := range sqliteMigrations {
		if m.version <= current {
			continue
		}

		slog.Info("registry: applying migration", "version", m.version, "description", m.description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(tx, s.dim); err != nil {
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
