package chunker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is the summary file listing every chunk artifact. Stage
// runners skip it when globbing the artifact directory.
const ManifestName = "all_chunks.json"

// Chunk is the durable per-chunk artifact. Chunking writes the identity
// and provenance fields; extraction appends Entities and Relationships;
// resolution appends Resolution. One JSON file per chunk, named
// "<chunk_id>.json", makes every stage restartable.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	ChunkHash  string `json:"chunk_hash"`
	Text       string `json:"user_query"`
	MovieID    string `json:"movie_id"`
	Reviewer   string `json:"reviewer"`
	ChunkIndex int    `json:"chunk_index"`

	Entities      []Entity              `json:"entities,omitempty"`
	Relationships []Relationship        `json:"relationships,omitempty"`
	Resolution    map[string]Resolution `json:"entity_resolution,omitempty"`
}

// Entity is one extracted entity record.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Relationship is one extracted relationship record. Strength holds an
// int when the model emitted an integral value, a float otherwise, or
// the raw token when it did not parse as a number.
type Relationship struct {
	SourceName  string `json:"source_name"`
	SourceType  string `json:"source_type"`
	TargetName  string `json:"target_name"`
	TargetType  string `json:"target_type"`
	Description string `json:"description"`
	Strength    any    `json:"strength"`
}

// Resolution is the canonicalization outcome for one surface name.
type Resolution struct {
	Description  string `json:"description"` // "<surface> -> <canonical>"
	ResolvedName string `json:"resolved_name"`
	EntityType   string `json:"entity_type"`
	Matched      bool   `json:"matched"`
	MatchType    string `json:"match_type"`
}

// Resolve returns the canonical name and type for a surface name,
// falling through to the inputs when the map has no entry. Entities
// missing from the map are written under their surface names, never
// dropped.
func (c *Chunk) Resolve(surface, entityType string) (string, string) {
	if res, ok := c.Resolution[surface]; ok {
		name := res.ResolvedName
		if name == "" {
			name = surface
		}
		typ := res.EntityType
		if typ == "" {
			typ = entityType
		}
		return name, typ
	}
	return surface, entityType
}

// Store reads and writes chunk artifacts in a working directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(chunkID string) string {
	return filepath.Join(s.dir, chunkID+".json")
}

// Write persists one chunk artifact, replacing any previous version.
func (s *Store) Write(c Chunk) error {
	if c.ChunkID == "" {
		return fmt.Errorf("chunk has no id")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(c.ChunkID), data, 0o644)
}

// WriteAll persists a batch of chunks and refreshes the manifest.
func (s *Store) WriteAll(chunks []Chunk) error {
	for _, c := range chunks {
		if err := s.Write(c); err != nil {
			return fmt.Errorf("writing chunk %s: %w", c.ChunkID, err)
		}
	}
	return s.WriteManifest(chunks)
}

// Read loads one chunk artifact by id.
func (s *Store) Read(chunkID string) (Chunk, error) {
	var c Chunk
	data, err := os.ReadFile(s.path(chunkID))
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing chunk %s: %w", chunkID, err)
	}
	return c, nil
}

// List loads every chunk artifact in the directory, skipping the
// manifest, sorted by reviewer and chunk index for deterministic
// iteration. Writers shuffle their own work orders.
func (s *Store) List() ([]Chunk, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(paths))
	for _, path := range paths {
		if filepath.Base(path) == ManifestName {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var c Chunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		chunks = append(chunks, c)
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Reviewer != chunks[j].Reviewer {
			return chunks[i].Reviewer < chunks[j].Reviewer
		}
		if chunks[i].ChunkIndex != chunks[j].ChunkIndex {
			return chunks[i].ChunkIndex < chunks[j].ChunkIndex
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
	return chunks, nil
}

// WriteManifest writes the all_chunks.json summary listing every chunk.
func (s *Store) WriteManifest(chunks []Chunk) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, ManifestName), data, 0o644)
}

// Clear removes every artifact including the manifest. Used by the CLI
// before a fresh chunking run.
func (s *Store) Clear() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		if !strings.HasSuffix(path, ".json") {
			continue
		}
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
