package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/chunker"
)

// WriterConfig tunes the two-phase graph writer.
type WriterConfig struct {
	// NodeWorkers is the phase-1 pool size. Node upserts touch one
	// node each, so they tolerate high parallelism.
	NodeWorkers int
	// EdgeWorkers is the phase-2 pool size. Edge upserts touch two
	// nodes and collide heavily under optimistic concurrency, so the
	// default is a single worker.
	EdgeWorkers int
	// MaxRetries caps attempts per chunk before it moves to the
	// failure queue.
	MaxRetries int
	// DrainRounds caps how many times the failure queue is re-run
	// after a phase completes.
	DrainRounds int
	// RetryBase scales the linear conflict backoff: attempt × RetryBase.
	RetryBase time.Duration
	// DrainPause is the idle gap between drain rounds.
	DrainPause time.Duration
}

func (c *WriterConfig) defaults() {
	if c.NodeWorkers <= 0 {
		c.NodeWorkers = 20
	}
	if c.EdgeWorkers <= 0 {
		c.EdgeWorkers = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.DrainRounds <= 0 {
		c.DrainRounds = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.DrainPause <= 0 {
		c.DrainPause = 2 * time.Second
	}
}

// WriteStats aggregates the outcome of an ingestion run. One mutex in
// the writer guards all counters.
type WriteStats struct {
	ChunksProcessed int `json:"chunks_processed"`
	ChunksFailed    int `json:"chunks_failed"`

	EntitiesNew      int `json:"entities_new"`
	EntitiesExisting int `json:"entities_existing"`
	Mentions         int `json:"mentions"`

	RelationshipsNew      int `json:"relationships_new"`
	RelationshipsExisting int `json:"relationships_existing"`

	// FailureReasons counts failed chunks per error category.
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
}

// Writer ingests chunk artifacts into the graph in two phases: all
// nodes first, then all edges, so every edge write sees its endpoints
// already present. Writes are idempotent; replaying any chunk is safe.
type Writer struct {
	store Store
	cfg   WriterConfig

	mu    sync.Mutex
	stats WriteStats

	failMu sync.Mutex
	failed []chunker.Chunk
}

// NewWriter creates a graph writer over store.
func NewWriter(store Store, cfg WriterConfig) *Writer {
	cfg.defaults()
	return &Writer{store: store, cfg: cfg}
}

// Run executes both phases over the chunk set and returns aggregated
// statistics. Chunks that still fail after every drain round are
// counted, not fatal.
func (w *Writer) Run(ctx context.Context, chunks []chunker.Chunk) (*WriteStats, error) {
	w.mu.Lock()
	w.stats = WriteStats{FailureReasons: make(map[string]int)}
	w.mu.Unlock()

	start := time.Now()
	slog.Info("graph write: phase 1 (nodes)", "chunks", len(chunks), "workers", w.cfg.NodeWorkers)
	if err := w.runPhase(ctx, "nodes", chunks, w.cfg.NodeWorkers, w.writeNodes); err != nil {
		return w.snapshot(), err
	}

	slog.Info("graph write: phase 2 (relationships)", "chunks", len(chunks), "workers", w.cfg.EdgeWorkers)
	if err := w.runPhase(ctx, "relationships", chunks, w.cfg.EdgeWorkers, w.writeEdges); err != nil {
		return w.snapshot(), err
	}

	stats := w.snapshot()
	slog.Info("graph write: done",
		"chunks", stats.ChunksProcessed, "failed", stats.ChunksFailed,
		"entities_new", stats.EntitiesNew, "entities_existing", stats.EntitiesExisting,
		"relationships_new", stats.RelationshipsNew, "relationships_existing", stats.RelationshipsExisting,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// runPhase processes every chunk through task, then re-runs the
// failure queue in bounded drain rounds. Work order is shuffled before
// each pass to spread hot-node contention.
func (w *Writer) runPhase(ctx context.Context, phase string, chunks []chunker.Chunk, workers int, task func(context.Context, chunker.Chunk) error) error {
	pending := append([]chunker.Chunk(nil), chunks...)

	for round := 0; round <= w.cfg.DrainRounds; round++ {
		if len(pending) == 0 {
			return nil
		}
		if round > 0 {
			slog.Warn("graph write: drain round",
				"phase", phase, "round", round, "remaining", len(pending))
			select {
			case <-time.After(w.cfg.DrainPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		rand.Shuffle(len(pending), func(i, j int) {
			pending[i], pending[j] = pending[j], pending[i]
		})

		if err := w.runPass(ctx, phase, pending, workers, task); err != nil {
			return err
		}

		w.failMu.Lock()
		pending, w.failed = w.failed, nil
		w.failMu.Unlock()
	}

	// Drain rounds exhausted; whatever is left is a hard failure.
	w.mu.Lock()
	w.stats.ChunksFailed += len(pending)
	w.mu.Unlock()
	if len(pending) > 0 {
		slog.Error("graph write: chunks failed after all drain rounds",
			"phase", phase, "failed", len(pending))
	}
	return nil
}

// outcome is the typed per-task result the pool aggregates. Workers
// never let errors escape the pool; retries and requeueing are driven
// by inspecting outcomes.
type outcome struct {
	chunk  chunker.Chunk
	ok     bool
	reason string
}

func (w *Writer) runPass(ctx context.Context, phase string, work []chunker.Chunk, workers int, task func(context.Context, chunker.Chunk) error) error {
	queue := make(chan chunker.Chunk)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range queue {
				outcomes <- w.attempt(ctx, chunk, task)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, chunk := range work {
			select {
			case queue <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(outcomes)
		close(done)
	}()

	completed := 0
	for o := range outcomes {
		completed++
		if o.ok {
			slog.Debug("graph write: chunk done",
				"phase", phase, "progress", fmt.Sprintf("%d/%d", completed, len(work)),
				"chunk_id", o.chunk.ChunkID)
			continue
		}
		w.mu.Lock()
		w.stats.FailureReasons[o.reason]++
		w.mu.Unlock()
		w.failMu.Lock()
		w.failed = append(w.failed, o.chunk)
		w.failMu.Unlock()
	}

	<-done
	return ctx.Err()
}

// attempt runs one task with the bounded conflict-retry loop: up to
// MaxRetries tries, sleeping attempt × RetryBase on a
// ConcurrentModification error. Any other error fails immediately.
func (w *Writer) attempt(ctx context.Context, chunk chunker.Chunk, task func(context.Context, chunker.Chunk) error) outcome {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err := task(ctx, chunk)
		if err == nil {
			return outcome{chunk: chunk, ok: true}
		}
		lastErr = err

		if !IsConcurrentModification(err) {
			slog.Warn("graph write: chunk failed",
				"chunk_id", chunk.ChunkID, "error", err)
			return outcome{chunk: chunk, reason: reasonOf(err)}
		}

		slog.Debug("graph write: conflict, backing off",
			"chunk_id", chunk.ChunkID, "attempt", attempt)
		select {
		case <-time.After(time.Duration(attempt) * w.cfg.RetryBase):
		case <-ctx.Done():
			return outcome{chunk: chunk, reason: "cancelled"}
		}
	}
	slog.Warn("graph write: conflict retries exhausted",
		"chunk_id", chunk.ChunkID, "error", lastErr)
	return outcome{chunk: chunk, reason: "conflict"}
}

// IsConcurrentModification reports whether an error is the store-side
// optimistic concurrency conflict, matched on message text because the
// openCypher endpoint only surfaces it that way.
func IsConcurrentModification(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ConcurrentModification")
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConcurrentModification(err):
		return "conflict"
	case strings.Contains(err.Error(), "not found"):
		return "missing_reference"
	default:
		return "error"
	}
}

// writeNodes is the phase-1 task for one chunk: provenance, entities
// with canonical substitution and description accumulation, MENTIONS.
func (w *Writer) writeNodes(ctx context.Context, chunk chunker.Chunk) error {
	if err := w.store.UpsertProvenance(ctx, chunk.MovieID, chunk.Reviewer, chunk.ChunkID, chunk.Text); err != nil {
		return fmt.Errorf("provenance: %w", err)
	}

	// Group descriptions by resolved (label, name) so a chunk that
	// mentions the same entity twice writes it once.
	type nodeWrite struct {
		label, name  string
		descriptions []string
	}
	order := make([]string, 0, len(chunk.Entities))
	writes := make(map[string]*nodeWrite, len(chunk.Entities))

	for _, e := range chunk.Entities {
		name, typ := chunk.Resolve(e.Name, e.Type)
		if strings.TrimSpace(name) == "" {
			continue
		}
		lbl := NormalizeLabel(typ)
		if lbl == "" {
			slog.Debug("graph write: skipping entity with unknown label",
				"chunk_id", chunk.ChunkID, "entity", e.Name, "type", e.Type)
			continue
		}
		key := nodeKey(lbl, name)
		nw, ok := writes[key]
		if !ok {
			nw = &nodeWrite{label: lbl, name: name}
			writes[key] = nw
			order = append(order, key)
		}
		if d := strings.TrimSpace(e.Description); d != "" {
			nw.descriptions = append(nw.descriptions, d)
		}
	}

	for _, key := range order {
		nw := writes[key]
		existing, err := w.store.UpsertEntity(ctx, nw.label, nw.name, nw.descriptions)
		if err != nil {
			return fmt.Errorf("entity %s: %w", nw.name, err)
		}
		if err := w.store.UpsertMentions(ctx, chunk.ChunkID, nw.name, nw.label); err != nil {
			return fmt.Errorf("mentions %s: %w", nw.name, err)
		}

		w.mu.Lock()
		if existing {
			w.stats.EntitiesExisting++
		} else {
			w.stats.EntitiesNew++
		}
		w.stats.Mentions++
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.stats.ChunksProcessed++
	w.mu.Unlock()
	return nil
}

// writeEdges is the phase-2 task for one chunk: canonicalize both
// endpoints, group by unordered pair, and upsert one merged edge per
// pair.
func (w *Writer) writeEdges(ctx context.Context, chunk chunker.Chunk) error {
	type edgeWrite struct {
		a, b         Endpoint
		descriptions []string
		strength     float64
	}
	order := make([]string, 0, len(chunk.Relationships))
	writes := make(map[string]*edgeWrite, len(chunk.Relationships))

	for _, r := range chunk.Relationships {
		srcName, srcType := chunk.Resolve(r.SourceName, r.SourceType)
		tgtName, tgtType := chunk.Resolve(r.TargetName, r.TargetType)
		if strings.TrimSpace(srcName) == "" || strings.TrimSpace(tgtName) == "" {
			continue
		}
		a := Endpoint{Name: srcName, Label: NormalizeLabel(srcType)}
		b := Endpoint{Name: tgtName, Label: NormalizeLabel(tgtType)}
		if a.Label == "" || b.Label == "" {
			slog.Debug("graph write: skipping relationship with unknown label",
				"chunk_id", chunk.ChunkID, "source", r.SourceName, "target", r.TargetName)
			continue
		}
		if a.Name == b.Name && a.Label == b.Label {
			continue
		}

		key := PairKey(a, b)
		ew, ok := writes[key]
		if !ok {
			ew = &edgeWrite{a: a, b: b}
			writes[key] = ew
			order = append(order, key)
		}
		if d := strings.TrimSpace(r.Description); d != "" {
			ew.descriptions = append(ew.descriptions, d)
		}
		if s := StrengthValue(r.Strength); s > ew.strength {
			ew.strength = s
		}
	}

	for _, key := range order {
		ew := writes[key]
		existing, err := w.store.UpsertRelationship(ctx, ew.a, ew.b, ew.descriptions, ew.strength)
		if err != nil {
			return fmt.Errorf("relationship %s - %s: %w", ew.a.Name, ew.b.Name, err)
		}

		w.mu.Lock()
		if existing {
			w.stats.RelationshipsExisting++
		} else {
			w.stats.RelationshipsNew++
		}
		w.mu.Unlock()
	}
	return nil
}

// StrengthValue coerces an extracted strength (int, float, or raw
// string) to a number for max-merging; unparseable values count as 0.
func StrengthValue(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func (w *Writer) snapshot() *WriteStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	if len(s.FailureReasons) == 0 {
		s.FailureReasons = nil
	}
	return &s
}
