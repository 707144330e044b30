// Package registry is the canonical entity directory: a search index
// that doubles as the name-to-canonical lookup used by resolution and
// publishing. Backends share one interface so the pipeline can run
// against OpenSearch in production, SQLite locally, or memory in
// tests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrIndexMissing reports a registry whose indices were never
	// created, or were deleted.
	ErrIndexMissing = errors.New("registry: index missing")

	// ErrDimensionMismatch reports a vector whose length does not
	// match the index mapping.
	ErrDimensionMismatch = errors.New("registry: embedding dimension mismatch")

	// ErrNotFound reports an update against a document id that does
	// not exist.
	ErrNotFound = errors.New("registry: document not found")
)

// Match types reported by FindCanonical, from strongest to weakest.
const (
	MatchNameExact      = "name_exact"
	MatchSynonymExact   = "synonym_exact"
	MatchSynonymPartial = "synonym_partial"
	MatchNotFound       = "not_found"
)

// ResolveMinScore is the lexical score floor for resolution lookups.
const ResolveMinScore = 3.0

// PublishMinScore is the stricter floor the publisher uses to decide
// between updating an existing record and creating a new one.
const PublishMinScore = 3.4

// EntityRecord is one document in the entities index.
type EntityRecord struct {
	DocID      string    `json:"-"`
	Name       string    `json:"name"`
	Synonyms   []string  `json:"synonym,omitempty"`
	EntityType string    `json:"entity_type"`
	Summary    string    `json:"summary,omitempty"`
	SummaryVec []float32 `json:"summary_vec,omitempty"`
	NeptuneID  string    `json:"neptune_id,omitempty"`
	Score      float64   `json:"-"`
}

// ChunkRecord is one document in the chunks index.
type ChunkRecord struct {
	DocID      string    `json:"-"`
	Context    string    `json:"context"`
	ContextVec []float32 `json:"context_vec,omitempty"`
	NeptuneID  string    `json:"neptune_id,omitempty"`
	Score      float64   `json:"-"`
}

// Resolution is the outcome of one canonical lookup.
type Resolution struct {
	Input      string  `json:"input"`
	Canonical  string  `json:"canonical"`
	EntityType string  `json:"entity_type"`
	Matched    bool    `json:"matched"`
	MatchType  string  `json:"match_type"`
	Score      float64 `json:"score,omitempty"`
}

// Stats counts the documents per index.
type Stats struct {
	Entities int `json:"entities"`
	Chunks   int `json:"chunks"`
}

// Registry is the canonical directory every backend implements.
//
// FindCanonical tries name_exact first, then synonym_exact, and
// returns the input unchanged with not_found when neither stage hits.
// An unreachable index also resolves to not_found so extraction
// pipelines degrade instead of aborting; only programming errors
// surface as errors.
type Registry interface {
	FindCanonical(ctx context.Context, name, entityType string) (Resolution, error)

	// LookupExact is the publish-path verify: the hit must clear
	// minScore and its stored name must equal name exactly.
	LookupExact(ctx context.Context, name, entityType string, minScore float64) (*EntityRecord, error)

	GetByID(ctx context.Context, id string) (*EntityRecord, error)
	PutEntity(ctx context.Context, id string, rec EntityRecord) error
	UpdateEntity(ctx context.Context, id string, fields map[string]any) error
	MergeSynonyms(ctx context.Context, id string, synonyms []string) error

	PutChunk(ctx context.Context, id string, rec ChunkRecord) error
	SearchChunksKNN(ctx context.Context, vector []float32, k int) ([]ChunkRecord, error)
	SearchEntitiesKNN(ctx context.Context, vector []float32, k int) ([]EntityRecord, error)

	EnsureIndices(ctx context.Context, recreate bool) error
	ValidateIndices(ctx context.Context) error
	DeleteIndices(ctx context.Context) error
	Refresh(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend            string // "opensearch", "sqlite", "memory"
	Addresses          []string
	Username           string
	Password           string
	EntityIndex        string
	ChunkIndex         string
	Path               string // sqlite database file
	Dim                int
	InsecureSkipVerify bool
}

func (c *Config) defaults() {
	if c.EntityIndex == "" {
		c.EntityIndex = "entities"
	}
	if c.ChunkIndex == "" {
		c.ChunkIndex = "chunks"
	}
	if c.Dim <= 0 {
		c.Dim = 1024
	}
}

// New creates the backend named by cfg.Backend.
func New(cfg Config) (Registry, error) {
	cfg.defaults()
	switch cfg.Backend {
	case "opensearch", "":
		return NewOpenSearch(cfg)
	case "sqlite":
		return NewSQLite(cfg)
	case "memory":
		return NewMemory(cfg.Dim), nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
}

// EntityDocID is the document id for catalog bootstrap records.
func EntityDocID(name, label string) string {
	return name + "_" + label
}

// MergeSynonymSets joins synonym lists with set semantics: strip
// whitespace, drop empties, dedup, sort. The operation is associative
// so repeated imports converge.
func MergeSynonymSets(sets ...[]string) []string {
	seen := make(map[string]struct{})
	for _, set := range sets {
		for _, s := range set {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			seen[s] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	merged := make([]string, 0, len(seen))
	for s := range seen {
		merged = append(merged, s)
	}
	sort.Strings(merged)
	return merged
}
