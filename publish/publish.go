// Package publish exports the summarized graph into the search
// indices: entity summaries with their embeddings into the entities
// index, chunk texts into the chunks index. Publishing is idempotent;
// records are keyed by graph id and re-runs overwrite in place.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
	"github.com/jhyunlee/reelgraph/registry"
)

const defaultWorkers = 10

// EntityStats aggregates one entity publish run.
type EntityStats struct {
	Updated  int `json:"updated"`
	Created  int `json:"created"`
	NotFound int `json:"not_found"`
	Failed   int `json:"failed"`
}

// ChunkStats aggregates one chunk publish run.
type ChunkStats struct {
	Published int `json:"published"`
	Failed    int `json:"failed"`
}

// Publisher writes graph entities and chunks into the registry.
type Publisher struct {
	embed    llm.Provider
	store    graph.Store
	registry registry.Registry
	workers  int
	dim      int
}

// New creates a publisher. dim is the embedding dimension the indices
// were created with; vectors of any other length are rejected before
// they reach the registry.
func New(embed llm.Provider, store graph.Store, reg registry.Registry, workers, dim int) *Publisher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if dim <= 0 {
		dim = 1024
	}
	return &Publisher{embed: embed, store: store, registry: reg, workers: workers, dim: dim}
}

// PublishEntities exports every summarized graph entity. Per entity:
// embed the summary, then verify against the index with the strict
// publish score. A verified hit updates the found document in place;
// a miss creates a new document keyed by the graph canonical id.
// Embedding failures skip the entity and count as failed. The indices
// refresh once, at the end of the stage.
func (p *Publisher) PublishEntities(ctx context.Context) (*EntityStats, error) {
	entities, err := p.store.PublishableEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing publishable entities: %w", err)
	}

	slog.Info("publish: entities", "total", len(entities), "workers", p.workers)
	start := time.Now()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, p.workers)
		stats EntityStats
	)
	for _, entity := range entities {
		wg.Add(1)
		go func(entity graph.PublishableEntity) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome, err := p.publishEntity(ctx, entity)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				slog.Warn("publish: entity failed",
					"name", entity.Name, "label", entity.Label, "error", err)
				return
			}
			switch outcome {
			case "updated":
				stats.Updated++
			case "created":
				stats.NotFound++
				stats.Created++
			}
		}(entity)
	}
	wg.Wait()

	if err := p.registry.Refresh(ctx); err != nil {
		slog.Warn("publish: refresh failed", "error", err)
	}
	slog.Info("publish: entities done",
		"updated", stats.Updated, "created", stats.Created, "failed", stats.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &stats, nil
}

func (p *Publisher) publishEntity(ctx context.Context, entity graph.PublishableEntity) (string, error) {
	vec, err := p.embedOne(ctx, entity.Summary)
	if err != nil {
		return "", err
	}

	found, err := p.registry.LookupExact(ctx, entity.Name, entity.Label, registry.PublishMinScore)
	if err != nil {
		return "", fmt.Errorf("verify lookup: %w", err)
	}
	if found != nil {
		err := p.registry.UpdateEntity(ctx, found.DocID, map[string]any{
			"summary":     entity.Summary,
			"summary_vec": vec,
			"neptune_id":  entity.CanonicalID,
		})
		if err != nil {
			return "", fmt.Errorf("updating %q: %w", found.DocID, err)
		}
		return "updated", nil
	}

	err = p.registry.PutEntity(ctx, entity.CanonicalID, registry.EntityRecord{
		Name:       entity.Name,
		EntityType: entity.Label,
		Summary:    entity.Summary,
		SummaryVec: vec,
		NeptuneID:  entity.CanonicalID,
	})
	if err != nil {
		return "", fmt.Errorf("creating %q: %w", entity.CanonicalID, err)
	}
	return "created", nil
}

// PublishChunks exports every graph chunk node with its text and
// embedding, keyed by the graph chunk id.
func (p *Publisher) PublishChunks(ctx context.Context) (*ChunkStats, error) {
	chunks, err := p.store.Chunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing graph chunks: %w", err)
	}

	slog.Info("publish: chunks", "total", len(chunks), "workers", p.workers)
	start := time.Now()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, p.workers)
		stats ChunkStats
	)
	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk graph.ChunkNode) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := p.publishChunk(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				slog.Warn("publish: chunk failed", "chunk_id", chunk.ID, "error", err)
				return
			}
			stats.Published++
		}(chunk)
	}
	wg.Wait()

	if err := p.registry.Refresh(ctx); err != nil {
		slog.Warn("publish: refresh failed", "error", err)
	}
	slog.Info("publish: chunks done",
		"published", stats.Published, "failed", stats.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &stats, nil
}

func (p *Publisher) publishChunk(ctx context.Context, chunk graph.ChunkNode) error {
	vec, err := p.embedOne(ctx, chunk.Text)
	if err != nil {
		return err
	}
	return p.registry.PutChunk(ctx, chunk.ID, registry.ChunkRecord{
		Context:    chunk.Text,
		ContextVec: vec,
		NeptuneID:  chunk.ID,
	})
}

func (p *Publisher) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding: got %d vectors, want 1", len(vecs))
	}
	if len(vecs[0]) != p.dim {
		return nil, fmt.Errorf("%w: got %d dims, want %d",
			registry.ErrDimensionMismatch, len(vecs[0]), p.dim)
	}
	return vecs[0], nil
}
