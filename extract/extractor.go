package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/catalog"
	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/llm"
)

// defaultWorkers bounds parallel extraction calls.
const defaultWorkers = 8

// perChunkTimeout caps one chunk's extraction call.
const perChunkTimeout = 120 * time.Second

// extractionTemperature keeps the record format stable while leaving
// some room for paraphrased descriptions.
const extractionTemperature = 0.3

// Stats aggregates one extraction run.
type Stats struct {
	Processed     int `json:"processed"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// Extractor runs the extraction stage: for every chunk artifact,
// prompt the chat model with the chunk and its movie context, parse
// the records, and write them back into the artifact.
type Extractor struct {
	chat    llm.Provider
	store   *chunker.Store
	catalog *catalog.Catalog
	workers int
}

// New creates an extraction stage runner. A nil catalog yields minimal
// movie contexts built from the chunk's own provenance.
func New(chat llm.Provider, store *chunker.Store, cat *catalog.Catalog, workers int) *Extractor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if cat == nil {
		cat = &catalog.Catalog{}
	}
	return &Extractor{chat: chat, store: store, catalog: cat, workers: workers}
}

// Run extracts every chunk artifact in the store. Chunk failures are
// counted and skipped; the stage only fails when listing artifacts
// does.
func (e *Extractor) Run(ctx context.Context) (*Stats, error) {
	chunks, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing chunk artifacts: %w", err)
	}
	if len(chunks) == 0 {
		return &Stats{}, nil
	}

	slog.Info("extract: processing chunks", "total", len(chunks), "workers", e.workers)
	start := time.Now()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, e.workers)
		stats Stats
	)
	total := len(chunks)

	for _, chunk := range chunks {
		wg.Add(1)
		go func(chunk chunker.Chunk) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				stats.Processed++
				stats.Failed++
				mu.Unlock()
				return
			}

			chunkCtx, cancel := context.WithTimeout(ctx, perChunkTimeout)
			defer cancel()

			chunkStart := time.Now()
			entities, relationships, err := e.extractChunk(chunkCtx, chunk)
			mu.Lock()
			stats.Processed++
			if err != nil {
				stats.Failed++
				n := stats.Processed
				mu.Unlock()
				slog.Warn("extract: chunk failed",
					"chunk_id", chunk.ChunkID, "progress", fmt.Sprintf("%d/%d", n, total),
					"error", err)
				return
			}
			stats.Succeeded++
			stats.Entities += len(entities)
			stats.Relationships += len(relationships)
			n := stats.Processed
			mu.Unlock()

			slog.Info("extract: chunk done",
				"progress", fmt.Sprintf("%d/%d", n, total),
				"chunk_id", chunk.ChunkID,
				"entities", len(entities), "relationships", len(relationships),
				"elapsed", time.Since(chunkStart).Round(time.Millisecond))
		}(chunk)
	}
	wg.Wait()

	slog.Info("extract: done",
		"succeeded", stats.Succeeded, "failed", stats.Failed,
		"entities", stats.Entities, "relationships", stats.Relationships,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &stats, nil
}

// extractChunk runs one LLM call and persists the parsed records onto
// the chunk artifact, overwriting any previous extraction.
func (e *Extractor) extractChunk(ctx context.Context, chunk chunker.Chunk) ([]chunker.Entity, []chunker.Relationship, error) {
	movieContext := e.catalog.MovieContext(chunk.MovieID, chunk.Reviewer)
	prompt := BuildPrompt(chunk.Text, movieContext, time.Now())

	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: extractionTemperature,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("extraction chat: %w", err)
	}

	entities, relationships := Parse(resp.Content)

	chunk.Entities = entities
	chunk.Relationships = relationships
	if err := e.store.Write(chunk); err != nil {
		return nil, nil, fmt.Errorf("writing artifact: %w", err)
	}
	return entities, relationships, nil
}

// QueryEntities extracts the entity surface names a question refers
// to, for the query router's resolution step.
func (e *Extractor) QueryEntities(ctx context.Context, question string) ([]chunker.Entity, error) {
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: BuildQueryPrompt(question, time.Now())}},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("query entity chat: %w", err)
	}
	entities, _ := Parse(resp.Content)
	return entities, nil
}
