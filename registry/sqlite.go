package registry

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// SQLite is the local Registry backend for development without an
// OpenSearch cluster. Vectors live in sqlite-vec vec0 tables, lexical
// name search in an FTS5 table kept in sync by triggers.
type SQLite struct {
	db  *sql.DB
	dim int
}

// NewSQLite opens (or creates) the database at cfg.Path and applies
// pending migrations.
func NewSQLite(cfg Config) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite registry: no database path configured")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db, dim: cfg.Dim}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) FindCanonical(ctx context.Context, name, entityType string) (Resolution, error) {
	name = strings.TrimSpace(name)
	entityType = strings.TrimSpace(entityType)
	notFound := Resolution{Input: name, Canonical: name, EntityType: entityType,
		Matched: false, MatchType: MatchNotFound}
	if name == "" || entityType == "" {
		return notFound, nil
	}

	canonical, err := s.exactName(ctx, name, entityType)
	if err != nil {
		slog.Warn("registry: name lookup failed, resolving as not_found",
			"name", name, "type", entityType, "error", err)
		return notFound, nil
	}
	if canonical != "" {
		return Resolution{Input: name, Canonical: canonical, EntityType: entityType,
			Matched: true, MatchType: MatchNameExact, Score: exactScore}, nil
	}

	var viaSynonym string
	err = s.db.QueryRowContext(ctx, `
		SELECT e.name FROM entity_synonyms s
		JOIN entities e ON e.id = s.entity_id
		WHERE s.synonym = ? AND e.entity_type = ?
		ORDER BY e.name LIMIT 1
	`, name, entityType).Scan(&viaSynonym)
	if err == nil {
		return Resolution{Input: name, Canonical: viaSynonym, EntityType: entityType,
			Matched: true, MatchType: MatchSynonymExact, Score: exactScore}, nil
	}
	if err != sql.ErrNoRows {
		slog.Warn("registry: synonym lookup failed, resolving as not_found",
			"name", name, "type", entityType, "error", err)
	}
	return notFound, nil
}

// exactName returns the canonical name for an exact stored-name match,
// smallest doc id first on ties. When equality misses it falls back to
// an FTS5 lookup and accepts the best hit only if it equals the input
// after whitespace and case folding, so spacing variants still count
// as name matches.
func (s *SQLite) exactName(ctx context.Context, name, entityType string) (string, error) {
	var canonical string
	err := s.db.QueryRowContext(ctx, `
		SELECT name FROM entities
		WHERE name = ? AND entity_type = ?
		ORDER BY doc_id LIMIT 1
	`, name, entityType).Scan(&canonical)
	if err == nil {
		return canonical, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("name lookup: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT e.name FROM entities_fts f
		JOIN entities e ON e.id = f.rowid
		WHERE entities_fts MATCH ? AND e.entity_type = ?
		ORDER BY f.rank LIMIT 1
	`, ftsQuote(name), entityType).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fts name lookup: %w", err)
	}
	if foldName(canonical) != foldName(name) {
		return "", nil
	}
	return canonical, nil
}

// ftsQuote wraps the input as an FTS5 phrase query so punctuation in
// names cannot be read as query syntax.
func ftsQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func foldName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), ""))
}

func (s *SQLite) LookupExact(ctx context.Context, name, entityType string, minScore float64) (*EntityRecord, error) {
	if exactScore < minScore {
		return nil, nil
	}
	rec, err := s.scanEntity(ctx, `
		SELECT doc_id, name, entity_type, synonyms, summary, neptune_id
		FROM entities WHERE name = ? AND entity_type = ?
		ORDER BY doc_id LIMIT 1
	`, strings.TrimSpace(name), strings.TrimSpace(entityType))
	if err != nil || rec == nil {
		return nil, err
	}
	rec.Score = exactScore
	return rec, nil
}

func (s *SQLite) GetByID(ctx context.Context, id string) (*EntityRecord, error) {
	return s.scanEntity(ctx, `
		SELECT doc_id, name, entity_type, synonyms, summary, neptune_id
		FROM entities WHERE doc_id = ?
	`, id)
}

func (s *SQLite) scanEntity(ctx context.Context, query string, args ...any) (*EntityRecord, error) {
	rec := &EntityRecord{}
	var synonyms, summary, neptuneID sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.DocID, &rec.Name, &rec.EntityType, &synonyms, &summary, &neptuneID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading entity: %w", err)
	}
	if synonyms.String != "" {
		if err := json.Unmarshal([]byte(synonyms.String), &rec.Synonyms); err != nil {
			return nil, fmt.Errorf("decoding synonyms: %w", err)
		}
	}
	rec.Summary = summary.String
	rec.NeptuneID = neptuneID.String
	return rec, nil
}

func (s *SQLite) PutEntity(ctx context.Context, id string, rec EntityRecord) error {
	if len(rec.SummaryVec) > 0 && len(rec.SummaryVec) != s.dim {
		return fmt.Errorf("%w: summary_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.SummaryVec), s.dim)
	}

	synonyms := MergeSynonymSets(rec.Synonyms)
	synonymsJSON, err := json.Marshal(synonyms)
	if err != nil {
		return fmt.Errorf("encoding synonyms: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (doc_id, name, entity_type, synonyms, summary, neptune_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(doc_id) DO UPDATE SET
				name = excluded.name,
				entity_type = excluded.entity_type,
				synonyms = excluded.synonyms,
				summary = excluded.summary,
				neptune_id = excluded.neptune_id
		`, id, rec.Name, rec.EntityType, string(synonymsJSON), rec.Summary, rec.NeptuneID); err != nil {
			return err
		}

		var rowID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM entities WHERE doc_id = ?", id).Scan(&rowID); err != nil {
			return err
		}
		return s.syncEntityRow(ctx, tx, rowID, synonyms, rec.SummaryVec)
	})
}

// syncEntityRow rewrites the synonym rows and the vector row for one
// entity. A nil vector leaves any existing embedding in place.
func (s *SQLite) syncEntityRow(ctx context.Context, tx *sql.Tx, rowID int64, synonyms []string, vec []float32) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entity_synonyms WHERE entity_id = ?", rowID); err != nil {
		return err
	}
	for _, syn := range synonyms {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_synonyms (entity_id, synonym) VALUES (?, ?)",
			rowID, syn); err != nil {
			return err
		}
	}
	if len(vec) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_entities WHERE entity_id = ?", rowID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(vec)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) UpdateEntity(ctx context.Context, id string, fields map[string]any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM entities WHERE doc_id = ?", id).Scan(&rowID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("updating entity %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		for key, value := range fields {
			switch key {
			case "name", "entity_type", "summary", "neptune_id":
				if _, err := tx.ExecContext(ctx,
					fmt.Sprintf("UPDATE entities SET %s = ? WHERE id = ?", key),
					value, rowID); err != nil {
					return err
				}
			case "synonym":
				syn, _ := value.([]string)
				merged := MergeSynonymSets(syn)
				encoded, err := json.Marshal(merged)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"UPDATE entities SET synonyms = ? WHERE id = ?",
					string(encoded), rowID); err != nil {
					return err
				}
				if err := s.syncEntityRow(ctx, tx, rowID, merged, nil); err != nil {
					return err
				}
			case "summary_vec":
				vec, _ := value.([]float32)
				if len(vec) != s.dim {
					return fmt.Errorf("%w: summary_vec has %d dims, want %d",
						ErrDimensionMismatch, len(vec), s.dim)
				}
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM vec_entities WHERE entity_id = ?", rowID); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
					rowID, serializeFloat32(vec)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("updating entity %q: unknown field %q", id, key)
			}
		}
		return nil
	})
}

func (s *SQLite) MergeSynonyms(ctx context.Context, id string, synonyms []string) error {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("merging synonyms for %q: %w", id, ErrNotFound)
	}
	merged := MergeSynonymSets(rec.Synonyms, synonyms)
	return s.UpdateEntity(ctx, id, map[string]any{"synonym": merged})
}

func (s *SQLite) PutChunk(ctx context.Context, id string, rec ChunkRecord) error {
	if len(rec.ContextVec) > 0 && len(rec.ContextVec) != s.dim {
		return fmt.Errorf("%w: context_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.ContextVec), s.dim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_chunks (doc_id, context, neptune_id)
			VALUES (?, ?, ?)
			ON CONFLICT(doc_id) DO UPDATE SET
				context = excluded.context,
				neptune_id = excluded.neptune_id
		`, id, rec.Context, rec.NeptuneID); err != nil {
			return err
		}

		if len(rec.ContextVec) == 0 {
			return nil
		}
		var rowID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT id FROM search_chunks WHERE doc_id = ?", id).Scan(&rowID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_search_chunks WHERE chunk_id = ?", rowID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_search_chunks (chunk_id, embedding) VALUES (?, ?)",
			rowID, serializeFloat32(rec.ContextVec))
		return err
	})
}

func (s *SQLite) SearchChunksKNN(ctx context.Context, vector []float32, k int) ([]ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.doc_id, c.context, c.neptune_id, v.distance
		FROM vec_search_chunks v
		JOIN search_chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vector), k)
	if err != nil {
		return nil, fmt.Errorf("chunk knn search: %w", err)
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var rec ChunkRecord
		var neptuneID sql.NullString
		var distance float64
		if err := rows.Scan(&rec.DocID, &rec.Context, &neptuneID, &distance); err != nil {
			return nil, err
		}
		rec.NeptuneID = neptuneID.String
		rec.Score = 1.0 / (1.0 + distance)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) SearchEntitiesKNN(ctx context.Context, vector []float32, k int) ([]EntityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.doc_id, e.name, e.entity_type, e.synonyms, e.summary, e.neptune_id, v.distance
		FROM vec_entities v
		JOIN entities e ON e.id = v.entity_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vector), k)
	if err != nil {
		return nil, fmt.Errorf("entity knn search: %w", err)
	}
	defer rows.Close()

	var out []EntityRecord
	for rows.Next() {
		var rec EntityRecord
		var synonyms, summary, neptuneID sql.NullString
		var distance float64
		if err := rows.Scan(&rec.DocID, &rec.Name, &rec.EntityType,
			&synonyms, &summary, &neptuneID, &distance); err != nil {
			return nil, err
		}
		if synonyms.String != "" {
			if err := json.Unmarshal([]byte(synonyms.String), &rec.Synonyms); err != nil {
				return nil, fmt.Errorf("decoding synonyms: %w", err)
			}
		}
		rec.Summary = summary.String
		rec.NeptuneID = neptuneID.String
		rec.Score = 1.0 / (1.0 + distance)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EnsureIndices is a no-op for SQLite unless recreate is set; the
// schema is applied by migrations at open time.
func (s *SQLite) EnsureIndices(ctx context.Context, recreate bool) error {
	if !recreate {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM entity_synonyms",
			"DELETE FROM vec_entities",
			"DELETE FROM entities",
			"DELETE FROM vec_search_chunks",
			"DELETE FROM search_chunks",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ValidateIndices checks the vec0 tables exist and carry the
// configured dimension.
func (s *SQLite) ValidateIndices(ctx context.Context) error {
	for _, table := range []string{"vec_entities", "vec_search_chunks"} {
		var ddl string
		err := s.db.QueryRowContext(ctx,
			"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?",
			table).Scan(&ddl)
		if err == sql.ErrNoRows {
			return fmt.Errorf("table %s: %w", table, ErrIndexMissing)
		}
		if err != nil {
			return fmt.Errorf("checking table %s: %w", table, err)
		}
		want := fmt.Sprintf("float[%d]", s.dim)
		if !strings.Contains(ddl, want) {
			return fmt.Errorf("table %s does not declare %s: %w", table, want, ErrDimensionMismatch)
		}
	}
	return nil
}

func (s *SQLite) DeleteIndices(ctx context.Context) error {
	return s.EnsureIndices(ctx, true)
}

func (s *SQLite) Refresh(context.Context) error { return nil }

func (s *SQLite) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, q := range []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM search_chunks", &stats.Chunks},
	} {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
