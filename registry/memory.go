package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// exactScore is the lexical score a memory-backend equality hit
// reports. It mirrors the boosts of the production query (term 3.0
// plus match 2.0) so minScore thresholds behave the same in tests.
const exactScore = 5.0

// Memory is an in-process Registry for tests and wiring checks.
type Memory struct {
	mu       sync.Mutex
	dim      int
	ready    bool
	entities map[string]EntityRecord
	chunks   map[string]ChunkRecord
}

// NewMemory returns an empty memory backend with its indices already
// ensured.
func NewMemory(dim int) *Memory {
	if dim <= 0 {
		dim = 1024
	}
	return &Memory{
		dim:      dim,
		ready:    true,
		entities: make(map[string]EntityRecord),
		chunks:   make(map[string]ChunkRecord),
	}
}

func (m *Memory) FindCanonical(_ context.Context, name, entityType string) (Resolution, error) {
	name = strings.TrimSpace(name)
	entityType = strings.TrimSpace(entityType)
	notFound := Resolution{Input: name, Canonical: name, EntityType: entityType,
		Matched: false, MatchType: MatchNotFound}
	if name == "" || entityType == "" {
		return notFound, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return notFound, nil
	}

	if rec, ok := m.findByName(name, entityType); ok {
		return Resolution{Input: name, Canonical: rec.Name, EntityType: entityType,
			Matched: true, MatchType: MatchNameExact, Score: exactScore}, nil
	}
	if rec, ok := m.findBySynonym(name, entityType); ok {
		return Resolution{Input: name, Canonical: rec.Name, EntityType: entityType,
			Matched: true, MatchType: MatchSynonymExact, Score: exactScore}, nil
	}
	return notFound, nil
}

func (m *Memory) LookupExact(_ context.Context, name, entityType string, minScore float64) (*EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exactScore < minScore {
		return nil, nil
	}
	if rec, ok := m.findByName(strings.TrimSpace(name), strings.TrimSpace(entityType)); ok {
		out := rec
		out.Score = exactScore
		return &out, nil
	}
	return nil, nil
}

// findByName scans for an exact stored-name match. Ties break on the
// smaller canonical name, matching the sorted-hit behavior of the
// search backends.
func (m *Memory) findByName(name, entityType string) (EntityRecord, bool) {
	var best EntityRecord
	found := false
	for _, rec := range m.entities {
		if rec.Name != name || rec.EntityType != entityType {
			continue
		}
		if !found || rec.DocID < best.DocID {
			best = rec
		}
		found = true
	}
	return best, found
}

func (m *Memory) findBySynonym(name, entityType string) (EntityRecord, bool) {
	var best EntityRecord
	found := false
	for _, rec := range m.entities {
		if rec.EntityType != entityType {
			continue
		}
		for _, syn := range rec.Synonyms {
			if syn != name {
				continue
			}
			if !found || rec.Name < best.Name {
				best = rec
			}
			found = true
		}
	}
	return best, found
}

func (m *Memory) GetByID(_ context.Context, id string) (*EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *Memory) PutEntity(_ context.Context, id string, rec EntityRecord) error {
	if len(rec.SummaryVec) > 0 && len(rec.SummaryVec) != m.dim {
		return fmt.Errorf("%w: summary_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.SummaryVec), m.dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.DocID = id
	m.entities[id] = rec
	return nil
}

func (m *Memory) UpdateEntity(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("updating entity %q: %w", id, ErrNotFound)
	}
	for k, v := range fields {
		switch k {
		case "name":
			rec.Name, _ = v.(string)
		case "summary":
			rec.Summary, _ = v.(string)
		case "summary_vec":
			vec, _ := v.([]float32)
			if len(vec) > 0 && len(vec) != m.dim {
				return fmt.Errorf("%w: summary_vec has %d dims, want %d",
					ErrDimensionMismatch, len(vec), m.dim)
			}
			rec.SummaryVec = vec
		case "neptune_id":
			rec.NeptuneID, _ = v.(string)
		case "synonym":
			syn, _ := v.([]string)
			rec.Synonyms = syn
		case "entity_type":
			rec.EntityType, _ = v.(string)
		default:
			return fmt.Errorf("updating entity %q: unknown field %q", id, k)
		}
	}
	m.entities[id] = rec
	return nil
}

func (m *Memory) MergeSynonyms(_ context.Context, id string, synonyms []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("merging synonyms for %q: %w", id, ErrNotFound)
	}
	rec.Synonyms = MergeSynonymSets(rec.Synonyms, synonyms)
	m.entities[id] = rec
	return nil
}

func (m *Memory) PutChunk(_ context.Context, id string, rec ChunkRecord) error {
	if len(rec.ContextVec) > 0 && len(rec.ContextVec) != m.dim {
		return fmt.Errorf("%w: context_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.ContextVec), m.dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.DocID = id
	m.chunks[id] = rec
	return nil
}

func (m *Memory) SearchChunksKNN(_ context.Context, vector []float32, k int) ([]ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		rec  ChunkRecord
		dist float64
	}
	var hits []scored
	for _, rec := range m.chunks {
		if len(rec.ContextVec) == 0 {
			continue
		}
		hits = append(hits, scored{rec, l2(vector, rec.ContextVec)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if k < len(hits) {
		hits = hits[:k]
	}
	out := make([]ChunkRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
		out[i].Score = 1.0 / (1.0 + h.dist)
	}
	return out, nil
}

func (m *Memory) SearchEntitiesKNN(_ context.Context, vector []float32, k int) ([]EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		rec  EntityRecord
		dist float64
	}
	var hits []scored
	for _, rec := range m.entities {
		if len(rec.SummaryVec) == 0 {
			continue
		}
		hits = append(hits, scored{rec, l2(vector, rec.SummaryVec)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if k < len(hits) {
		hits = hits[:k]
	}
	out := make([]EntityRecord, len(hits))
	for i, h := range hits {
		out[i] = h.rec
		out[i].Score = 1.0 / (1.0 + h.dist)
	}
	return out, nil
}

func (m *Memory) EnsureIndices(_ context.Context, recreate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recreate {
		m.entities = make(map[string]EntityRecord)
		m.chunks = make(map[string]ChunkRecord)
	}
	m.ready = true
	return nil
}

func (m *Memory) ValidateIndices(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return ErrIndexMissing
	}
	return nil
}

func (m *Memory) DeleteIndices(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[string]EntityRecord)
	m.chunks = make(map[string]ChunkRecord)
	m.ready = false
	return nil
}

func (m *Memory) Refresh(context.Context) error { return nil }

func (m *Memory) Stats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Stats{Entities: len(m.entities), Chunks: len(m.chunks)}, nil
}

func (m *Memory) Close() error { return nil }

func l2(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
