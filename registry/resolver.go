package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/chunker"
)

// resolverWorkers bounds parallel chunk resolution.
const resolverWorkers = 8

// ResolveStats aggregates one resolution run.
type ResolveStats struct {
	Chunks       int            `json:"chunks"`
	Entities     int            `json:"entities"`
	Matched      int            `json:"matched"`
	NotFound     int            `json:"not_found"`
	ByMatchType  map[string]int `json:"by_match_type"`
	FailedChunks int            `json:"failed_chunks"`
}

// Resolver runs the resolution stage: every extracted entity surface
// in every chunk artifact is looked up in the registry and the outcome
// recorded into the artifact's resolution map. Relationship endpoints
// resolve through the same map later, at graph-write time.
type Resolver struct {
	registry Registry
	store    *chunker.Store
	workers  int
}

// NewResolver creates a resolution stage runner.
func NewResolver(reg Registry, store *chunker.Store, workers int) *Resolver {
	if workers <= 0 {
		workers = resolverWorkers
	}
	return &Resolver{registry: reg, store: store, workers: workers}
}

// Run resolves every chunk artifact. Entities that cannot be resolved
// keep their surface names; a chunk is never dropped.
func (r *Resolver) Run(ctx context.Context) (*ResolveStats, error) {
	chunks, err := r.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing chunk artifacts: %w", err)
	}

	slog.Info("resolve: processing chunks", "total", len(chunks), "workers", r.workers)
	start := time.Now()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, r.workers)
		stats = ResolveStats{ByMatchType: make(map[string]int)}
	)

	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk chunker.Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			chunkStats, err := r.resolveChunk(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			stats.Chunks++
			if err != nil {
				stats.FailedChunks++
				slog.Warn("resolve: chunk failed", "chunk_id", chunk.ChunkID, "error", err)
				return
			}
			stats.Entities += chunkStats.Entities
			stats.Matched += chunkStats.Matched
			stats.NotFound += chunkStats.NotFound
			for matchType, n := range chunkStats.ByMatchType {
				stats.ByMatchType[matchType] += n
			}
		}(chunk)
	}
	wg.Wait()

	slog.Info("resolve: done",
		"chunks", stats.Chunks, "entities", stats.Entities,
		"matched", stats.Matched, "not_found", stats.NotFound,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &stats, nil
}

// resolveChunk builds the resolution map for one chunk and persists it
// into the artifact, overwriting any previous resolution.
func (r *Resolver) resolveChunk(ctx context.Context, chunk chunker.Chunk) (*ResolveStats, error) {
	stats := &ResolveStats{ByMatchType: make(map[string]int)}
	resolution := make(map[string]chunker.Resolution, len(chunk.Entities))

	for _, entity := range chunk.Entities {
		if entity.Name == "" {
			continue
		}
		if _, done := resolution[entity.Name]; done {
			continue
		}

		res, err := r.registry.FindCanonical(ctx, entity.Name, entity.Type)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", entity.Name, err)
		}

		stats.Entities++
		if res.Matched {
			stats.Matched++
		} else {
			stats.NotFound++
		}
		stats.ByMatchType[res.MatchType]++

		resolution[entity.Name] = chunker.Resolution{
			Description:  fmt.Sprintf("%s -> %s", entity.Name, res.Canonical),
			ResolvedName: res.Canonical,
			EntityType:   entity.Type,
			Matched:      res.Matched,
			MatchType:    res.MatchType,
		}
	}

	chunk.Resolution = resolution
	if err := r.store.Write(chunk); err != nil {
		return nil, fmt.Errorf("writing artifact: %w", err)
	}
	return stats, nil
}
