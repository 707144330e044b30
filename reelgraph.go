// Package reelgraph turns film-review transcripts and structured
// catalogs into a labeled property graph plus a hybrid search index,
// and answers questions over both. The pipeline runs in restartable
// stages: chunk, extract, resolve, ingest, summarize, publish. Every
// stage reads and writes durable chunk artifacts, so any stage can be
// re-run without repeating the ones before it.
package reelgraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhyunlee/reelgraph/catalog"
	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/extract"
	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
	"github.com/jhyunlee/reelgraph/publish"
	"github.com/jhyunlee/reelgraph/query"
	"github.com/jhyunlee/reelgraph/registry"
	"github.com/jhyunlee/reelgraph/summarize"
	"github.com/jhyunlee/reelgraph/validate"
)

// Pipeline wires every stage over shared backends. Safe for concurrent
// queries; ingestion stages are meant to run one at a time.
type Pipeline struct {
	cfg       Config
	chat      llm.Provider
	embed     llm.Provider
	store     graph.Store
	registry  registry.Registry
	artifacts *chunker.Store
	catalog   *catalog.Catalog
	router    *query.Router

	closed bool
}

// New builds a pipeline from configuration, connecting the graph and
// index backends and both LLM providers. A missing catalog directory
// degrades to an empty catalog: extraction then runs without movie
// context and bootstrap has nothing to import.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	chat, err := llm.NewProvider(llmConfig(cfg.Chat, 0))
	if err != nil {
		return nil, fmt.Errorf("chat provider: %w", err)
	}
	embed, err := llm.NewProvider(llmConfig(cfg.Embedding, cfg.EmbeddingDim))
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	store, err := newGraphStore(ctx, cfg.Graph)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(registry.Config{
		Backend:            cfg.Search.Backend,
		Addresses:          cfg.Search.Addresses,
		Username:           cfg.Search.Username,
		Password:           cfg.Search.Password,
		EntityIndex:        cfg.Search.EntityIndex,
		ChunkIndex:         cfg.Search.ChunkIndex,
		Path:               cfg.Search.Path,
		Dim:                cfg.EmbeddingDim,
		InsecureSkipVerify: cfg.Search.InsecureSkipVerify,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}

	cat, err := catalog.LoadDir(cfg.CatalogDir)
	if err != nil {
		reg.Close()
		store.Close()
		return nil, fmt.Errorf("loading catalogs: %w", err)
	}
	if len(cat.Movies) == 0 && len(cat.Reviewers) == 0 {
		slog.Warn("no catalogs found, extraction runs without movie context", "dir", cfg.CatalogDir)
	}

	p := &Pipeline{
		cfg:       cfg,
		chat:      chat,
		embed:     embed,
		store:     store,
		registry:  reg,
		artifacts: chunker.NewStore(cfg.ArtifactDir),
		catalog:   cat,
	}
	p.router = query.NewRouter(chat, embed, reg, store,
		extract.New(chat, p.artifacts, cat, cfg.ExtractWorkers),
		query.NewWebSearcher(query.WebSearchConfig{
			APIKey:  cfg.WebSearch.APIKey,
			BaseURL: cfg.WebSearch.BaseURL,
		}),
		query.Options{
			TopChunks: cfg.TopChunks,
			AgentPool: cfg.AgentPool,
			Deadline:  time.Duration(cfg.QuerySecs) * time.Second,
		})
	return p, nil
}

func llmConfig(cfg LLMConfig, dim int) llm.Config {
	return llm.Config{
		Provider:        cfg.Provider,
		Model:           cfg.Model,
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		Dimensions:      dim,
	}
}

func newGraphStore(ctx context.Context, cfg GraphConfig) (graph.Store, error) {
	switch cfg.Driver {
	case "memory":
		return graph.NewMemory(), nil
	case "neptune", "":
		store, err := graph.NewNeptune(ctx, graph.NeptuneConfig{
			Endpoint:        cfg.Endpoint,
			Port:            cfg.Port,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGraphUnavailable, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown graph driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Store exposes the graph backend for diagnostics and tests.
func (p *Pipeline) Store() graph.Store { return p.store }

// Registry exposes the index backend for diagnostics and tests.
func (p *Pipeline) Registry() registry.Registry { return p.registry }

// Artifacts exposes the chunk artifact store.
func (p *Pipeline) Artifacts() *chunker.Store { return p.artifacts }

// Catalog exposes the loaded domain catalogs.
func (p *Pipeline) Catalog() *catalog.Catalog { return p.catalog }

// Bootstrap prepares the index: create (or recreate) both indices,
// verify the vector mappings, and import the catalogs as seed entities
// with their synonym sets.
func (p *Pipeline) Bootstrap(ctx context.Context, recreate bool) (*publish.ImportStats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	if err := p.registry.EnsureIndices(ctx, recreate); err != nil {
		return nil, fmt.Errorf("ensuring indices: %w", err)
	}
	if err := p.registry.ValidateIndices(ctx); err != nil {
		return nil, err
	}
	return p.publisher().ImportCatalogs(ctx, p.catalog)
}

// RunChunking reads every transcript in the review directory, splits
// it, and writes one JSON artifact per chunk plus a manifest.
func (p *Pipeline) RunChunking(ctx context.Context) (*ChunkingStats, error) {
	if p.closed {
		return nil, ErrClosed
	}

	transcripts, err := catalog.ListTranscripts(p.cfg.ReviewDir)
	if err != nil {
		return nil, err
	}
	slog.Info("chunking transcripts", "count", len(transcripts), "dir", p.cfg.ReviewDir)
	start := time.Now()

	c := chunker.New(chunker.Config{Size: p.cfg.ChunkSize, Overlap: p.cfg.ChunkOverlap})
	stats := &ChunkingStats{}
	var all []chunker.Chunk
	for _, tr := range transcripts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := catalog.ReadTranscript(tr.Path)
		if err != nil {
			stats.Failed++
			slog.Warn("transcript unreadable", "path", tr.Path, "error", err)
			continue
		}
		chunks := c.Chunk(text, tr.Movie, tr.Reviewer)
		if err := p.artifacts.WriteAll(chunks); err != nil {
			return nil, err
		}
		stats.Transcripts++
		stats.Chunks += len(chunks)
		all = append(all, chunks...)
	}
	if err := p.artifacts.WriteManifest(all); err != nil {
		return nil, err
	}

	slog.Info("chunking done", "transcripts", stats.Transcripts,
		"chunks", stats.Chunks, "failed", stats.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// ChunkingStats aggregates one chunking run.
type ChunkingStats struct {
	Transcripts int `json:"transcripts"`
	Chunks      int `json:"chunks"`
	Failed      int `json:"failed"`
}

// RunExtraction runs the LLM entity/relationship extraction over every
// chunk artifact.
func (p *Pipeline) RunExtraction(ctx context.Context) (*extract.Stats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return extract.New(p.chat, p.artifacts, p.catalog, p.cfg.ExtractWorkers).Run(ctx)
}

// RunResolution resolves every extracted surface name to its canonical
// form and persists the resolution map into each artifact.
func (p *Pipeline) RunResolution(ctx context.Context) (*registry.ResolveStats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return registry.NewResolver(p.registry, p.artifacts, p.cfg.ExtractWorkers).Run(ctx)
}

// RunGraphLoad ingests the resolved chunk artifacts into the graph
// with the two-phase concurrent writer.
func (p *Pipeline) RunGraphLoad(ctx context.Context) (*graph.WriteStats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	chunks, err := p.artifacts.List()
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoArtifacts
	}
	writer := graph.NewWriter(p.store, graph.WriterConfig{
		NodeWorkers: p.cfg.NodeWorkers,
		EdgeWorkers: p.cfg.EdgeWorkers,
		MaxRetries:  p.cfg.WriteRetries,
		DrainRounds: p.cfg.DrainRounds,
	})
	return writer.Run(ctx, chunks)
}

// RunSummarization summarizes unsummarized nodes and edges and assigns
// canonical ids where missing. Re-runs only touch new work.
func (p *Pipeline) RunSummarization(ctx context.Context) (*summarize.Stats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return summarize.New(p.chat, p.store, p.cfg.ExtractWorkers).Run(ctx)
}

// RunPublish embeds summarized entities and all chunks into the index.
func (p *Pipeline) RunPublish(ctx context.Context) (*publish.EntityStats, *publish.ChunkStats, error) {
	if p.closed {
		return nil, nil, ErrClosed
	}
	pub := p.publisher()
	entityStats, err := pub.PublishEntities(ctx)
	if err != nil {
		return nil, nil, err
	}
	chunkStats, err := pub.PublishChunks(ctx)
	if err != nil {
		return entityStats, nil, err
	}
	return entityStats, chunkStats, nil
}

func (p *Pipeline) publisher() *publish.Publisher {
	return publish.New(p.embed, p.store, p.registry, p.cfg.PublishWorkers, p.cfg.EmbeddingDim)
}

// Query answers a question with the hybrid chunk-KNN + graph flow.
func (p *Pipeline) Query(ctx context.Context, question string, dataOnly bool) (*query.Result, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return p.router.Query(ctx, question, dataOnly)
}

// GraphQuery answers a question by generating and executing openCypher
// against the live graph.
func (p *Pipeline) GraphQuery(ctx context.Context, question string) (*query.GraphAnswer, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return p.router.GraphQuery(ctx, question)
}

// SetEntityPrompt stores (or clears, with an empty prompt) the agent
// instruction on an entity node.
func (p *Pipeline) SetEntityPrompt(ctx context.Context, label, name, prompt string) error {
	if p.closed {
		return ErrClosed
	}
	return p.store.SetEntityPrompt(ctx, label, name, prompt)
}

// PipelineStats combines graph and index counts.
type PipelineStats struct {
	Graph graph.Stats    `json:"graph"`
	Index registry.Stats `json:"index"`
}

// Stats reports current graph and index contents.
func (p *Pipeline) Stats(ctx context.Context) (*PipelineStats, error) {
	if p.closed {
		return nil, ErrClosed
	}
	graphStats, err := p.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	indexStats, err := p.registry.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &PipelineStats{Graph: graphStats, Index: *indexStats}, nil
}

// Validate runs the post-ingest consistency checks.
func (p *Pipeline) Validate(ctx context.Context) (*validate.Report, error) {
	if p.closed {
		return nil, ErrClosed
	}
	return validate.New(p.store, p.registry).Run(ctx)
}

// Clear wipes the graph and/or deletes the search indices.
func (p *Pipeline) Clear(ctx context.Context, clearGraph, clearIndex bool) error {
	if p.closed {
		return ErrClosed
	}
	if clearGraph {
		if err := p.store.Clear(ctx); err != nil {
			return fmt.Errorf("clearing graph: %w", err)
		}
	}
	if clearIndex {
		if err := p.registry.DeleteIndices(ctx); err != nil {
			return fmt.Errorf("deleting indices: %w", err)
		}
	}
	return nil
}

// Close releases both backends. Further calls return ErrClosed.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	regErr := p.registry.Close()
	storeErr := p.store.Close()
	if regErr != nil {
		return regErr
	}
	return storeErr
}
