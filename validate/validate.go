// Package validate checks that a finished ingest left the graph and
// the search index consistent with each other. It runs after publish
// and before the pipeline is trusted for queries.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/registry"
)

// Check statuses. Warnings mark work left to do (pending summaries);
// failures mark invariant violations.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// CheckResult is one named invariant check.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report holds the results of one validation run.
type Report struct {
	Checks  []CheckResult `json:"checks"`
	Passed  int           `json:"passed"`
	Warned  int           `json:"warned"`
	Failed  int           `json:"failed"`
	RunTime time.Duration `json:"run_time"`
}

// OK reports whether no check failed. Warnings do not fail a run.
func (r *Report) OK() bool { return r.Failed == 0 }

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warned++
	default:
		r.Failed++
	}
}

// Validator runs the post-ingest checks.
type Validator struct {
	store    graph.Store
	registry registry.Registry
}

// New creates a validator over the given backends.
func New(store graph.Store, reg registry.Registry) *Validator {
	return &Validator{store: store, registry: reg}
}

// Run executes every check and never stops early; the report carries
// the full picture of what is consistent and what is not.
func (v *Validator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	report.add(v.checkIndexMappings(ctx))
	report.add(v.checkSummariesComplete(ctx))
	report.add(v.checkPublishedEntitiesIndexed(ctx))
	report.add(v.checkChunkParity(ctx))

	report.RunTime = time.Since(start)
	slog.Info("validate: run complete",
		"passed", report.Passed, "warned", report.Warned, "failed", report.Failed,
		"elapsed", report.RunTime.Round(time.Millisecond))
	return report, nil
}

// checkIndexMappings verifies both indices exist with the expected
// vector field type and dimension.
func (v *Validator) checkIndexMappings(ctx context.Context) CheckResult {
	c := CheckResult{Name: "index_mappings"}
	if err := v.registry.ValidateIndices(ctx); err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		if errors.Is(err, registry.ErrIndexMissing) {
			c.Detail = "indices missing, run bootstrap first"
		}
		return c
	}
	c.Status = StatusPass
	return c
}

// checkSummariesComplete warns when nodes or edges still await
// summarization. Publish skips them, so this is pending work rather
// than corruption.
func (v *Validator) checkSummariesComplete(ctx context.Context) CheckResult {
	c := CheckResult{Name: "summaries_complete"}

	nodes, err := v.store.NodeSummaryCandidates(ctx)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	edges, err := v.store.EdgeSummaryCandidates(ctx)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	if len(nodes) > 0 || len(edges) > 0 {
		c.Status = StatusWarn
		c.Detail = fmt.Sprintf("%d nodes and %d edges not yet summarized", len(nodes), len(edges))
		return c
	}
	c.Status = StatusPass
	return c
}

// checkPublishedEntitiesIndexed verifies every publishable graph
// entity resolves in the index under the publish-path score gate. A
// miss means publish was skipped or the index lost the document.
func (v *Validator) checkPublishedEntitiesIndexed(ctx context.Context) CheckResult {
	c := CheckResult{Name: "published_entities_indexed"}

	entities, err := v.store.PublishableEntities(ctx)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}

	missing := 0
	var firstMiss string
	for _, entity := range entities {
		rec, err := v.registry.LookupExact(ctx, entity.Name, entity.Label, registry.PublishMinScore)
		if err != nil {
			c.Status = StatusFail
			c.Detail = fmt.Sprintf("lookup %q: %v", entity.Name, err)
			return c
		}
		if rec == nil {
			missing++
			if firstMiss == "" {
				firstMiss = entity.Name
			}
		}
	}
	if missing > 0 {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("%d of %d graph entities missing from index (first: %q)",
			missing, len(entities), firstMiss)
		return c
	}
	c.Status = StatusPass
	c.Detail = fmt.Sprintf("%d entities verified", len(entities))
	return c
}

// checkChunkParity compares graph chunk counts against the index. A
// shortfall means chunk publish has not run to completion.
func (v *Validator) checkChunkParity(ctx context.Context) CheckResult {
	c := CheckResult{Name: "chunk_parity"}

	chunks, err := v.store.Chunks(ctx)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	stats, err := v.registry.Stats(ctx)
	if err != nil {
		c.Status = StatusFail
		c.Detail = err.Error()
		return c
	}
	if stats.Chunks < len(chunks) {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("graph has %d chunks, index has %d", len(chunks), stats.Chunks)
		return c
	}
	c.Status = StatusPass
	c.Detail = fmt.Sprintf("%d chunks in both stores", len(chunks))
	return c
}
