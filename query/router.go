// Package query answers questions over the published film-review
// graph. The default flow retrieves chunks by embedding similarity,
// expands their graph neighborhood, dispatches agents for entities
// that carry stored instructions, and fuses everything into one
// grounded answer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
	"github.com/jhyunlee/reelgraph/registry"
)

// Defaults for the retrieval knobs.
const (
	defaultTopChunks      = 5
	defaultHops           = 2
	defaultExpansionLimit = 200
	defaultAgentPool      = 5
	defaultDeadline       = 120 * time.Second
)

// Fusion bounds: how much of the retrieved material reaches the final
// prompt.
const (
	fusionChunks        = 3
	fusionChunkChars    = 500
	fusionRelationships = 30
)

// Options tune the retrieval flow.
type Options struct {
	TopChunks      int
	Hops           int
	ExpansionLimit int
	AgentPool      int
	Deadline       time.Duration
}

func (o *Options) defaults() {
	if o.TopChunks <= 0 {
		o.TopChunks = defaultTopChunks
	}
	if o.Hops <= 0 {
		o.Hops = defaultHops
	}
	if o.ExpansionLimit <= 0 {
		o.ExpansionLimit = defaultExpansionLimit
	}
	if o.AgentPool <= 0 {
		o.AgentPool = defaultAgentPool
	}
	if o.Deadline <= 0 {
		o.Deadline = defaultDeadline
	}
}

// Result is one answered query with its supporting evidence.
type Result struct {
	Question      string                       `json:"question"`
	Answer        string                       `json:"answer,omitempty"`
	Chunks        []registry.ChunkRecord       `json:"chunks"`
	Entities      []graph.NeighborEntity       `json:"entities"`
	Relationships []graph.NeighborRelationship `json:"relationships"`
	Resolved      []registry.Resolution        `json:"resolved"`
	Agents        []AgentFinding               `json:"agents,omitempty"`
	DataOnly      bool                         `json:"data_only"`
	Elapsed       time.Duration                `json:"elapsed"`
}

// entityExtractor is the question-analysis seam; extract.Extractor
// satisfies it.
type entityExtractor interface {
	QueryEntities(ctx context.Context, question string) ([]chunker.Entity, error)
}

// Router runs the hybrid retrieval flow.
type Router struct {
	chat      llm.Provider
	embed     llm.Provider
	registry  registry.Registry
	store     graph.Store
	extractor entityExtractor
	web       *WebSearcher
	opts      Options
}

// NewRouter wires the query flow. web may be nil; agents then run
// graph-only.
func NewRouter(chat, embed llm.Provider, reg registry.Registry, store graph.Store,
	extractor entityExtractor, web *WebSearcher, opts Options) *Router {
	opts.defaults()
	return &Router{
		chat: chat, embed: embed, registry: reg, store: store,
		extractor: extractor, web: web, opts: opts,
	}
}

// Query answers a question. With dataOnly set the final model call is
// skipped and the structured retrieval results return as-is.
//
// The whole query runs under one deadline; agents that miss it are
// dropped rather than delaying the answer.
func (r *Router) Query(ctx context.Context, question string, dataOnly bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Deadline)
	defer cancel()

	start := time.Now()
	result := &Result{Question: question, DataOnly: dataOnly}

	// Retrieve the closest chunks by embedding similarity.
	vecs, err := r.embed.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding question: got %d vectors, want 1", len(vecs))
	}
	chunks, err := r.registry.SearchChunksKNN(ctx, vecs[0], r.opts.TopChunks)
	if err != nil {
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	result.Chunks = chunks

	// Expand the graph neighborhood around those chunks.
	if len(chunks) > 0 {
		chunkIDs := make([]string, len(chunks))
		for i, c := range chunks {
			chunkIDs[i] = c.DocID
		}
		neighborhood, err := r.store.Neighborhood(ctx, chunkIDs, r.opts.Hops, r.opts.ExpansionLimit)
		if err != nil {
			slog.Warn("query: neighborhood expansion failed", "error", err)
		} else {
			result.Entities = neighborhood.Entities
			result.Relationships = dedupRelationships(neighborhood.Relationships)
		}
	}

	// Resolve the entities the question itself names.
	result.Resolved = r.resolveQuestionEntities(ctx, question)

	// Dispatch agents for discovered entities that carry instructions.
	result.Agents = r.runAgents(ctx, question, result)

	if dataOnly {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	answer, err := r.fuse(ctx, result)
	if err != nil {
		return nil, err
	}
	result.Answer = answer
	result.Elapsed = time.Since(start)

	slog.Info("query: answered",
		"chunks", len(result.Chunks), "entities", len(result.Entities),
		"relationships", len(result.Relationships), "agents", len(result.Agents),
		"elapsed", result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// resolveQuestionEntities extracts entity surfaces from the question
// and resolves them to canonical names. Failures degrade to an empty
// list; the chunk flow still answers.
func (r *Router) resolveQuestionEntities(ctx context.Context, question string) []registry.Resolution {
	entities, err := r.extractor.QueryEntities(ctx, question)
	if err != nil {
		slog.Warn("query: entity extraction failed", "error", err)
		return nil
	}

	var resolved []registry.Resolution
	for _, entity := range entities {
		res, err := r.registry.FindCanonical(ctx, entity.Name, entity.Type)
		if err != nil {
			slog.Warn("query: resolution failed", "name", entity.Name, "error", err)
			continue
		}
		resolved = append(resolved, res)
	}
	return resolved
}

// runAgents dispatches one agent per discovered entity whose graph
// node carries a prompt. Discovered covers both entities resolved
// from the question and entities reached through neighborhood
// expansion. Agent failures contribute nothing.
func (r *Router) runAgents(ctx context.Context, question string, result *Result) []AgentFinding {
	names := make([]string, 0, len(result.Resolved)+len(result.Entities))
	seen := make(map[string]struct{}, len(result.Resolved)+len(result.Entities))
	add := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, res := range result.Resolved {
		add(res.Canonical)
	}
	for _, entity := range result.Entities {
		add(entity.Name)
	}
	if len(names) == 0 {
		return nil
	}

	prompts, err := r.store.EntityPrompts(ctx, names)
	if err != nil {
		slog.Warn("query: prompt lookup failed", "error", err)
		return nil
	}
	if len(prompts) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sem      = make(chan struct{}, r.opts.AgentPool)
		findings []AgentFinding
	)
	for _, name := range names {
		prompt, ok := prompts[name]
		if !ok || prompt == "" {
			continue
		}
		wg.Add(1)
		go func(name, prompt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			a := &agent{chat: r.chat, store: r.store, web: r.web, entity: name, prompt: prompt}
			finding, err := a.run(ctx, question)
			if err != nil {
				slog.Warn("query: agent failed", "entity", name, "error", err)
				return
			}
			mu.Lock()
			findings = append(findings, *finding)
			mu.Unlock()
		}(name, prompt)
	}
	wg.Wait()
	return findings
}

// fuse builds the grounded context and asks the model for the final
// answer.
func (r *Router) fuse(ctx context.Context, result *Result) (string, error) {
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fusionSystemPrompt},
			{Role: "user", Content: buildFusionContext(result)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("fusion chat: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

const fusionSystemPrompt = `You answer questions about films and film reviews using only the supplied context.
Ground every claim in the review excerpts, the knowledge graph facts, or the entity reports.
If the context does not contain the answer, say so. Answer in the language of the question.`

// buildFusionContext renders the retrieval results for the final
// prompt: the top chunks truncated, entity and relationship bullets,
// then agent reports grouped by entity.
func buildFusionContext(result *Result) string {
	var b strings.Builder
	b.WriteString("QUESTION:\n")
	b.WriteString(result.Question)

	if len(result.Chunks) > 0 {
		b.WriteString("\n\nREVIEW EXCERPTS:\n")
		for i, chunk := range result.Chunks {
			if i >= fusionChunks {
				break
			}
			b.WriteString(fmt.Sprintf("[%d] %s\n", i+1, truncate(chunk.Context, fusionChunkChars)))
		}
	}

	if len(result.Entities) > 0 {
		b.WriteString("\nGRAPH ENTITIES:\n")
		for _, entity := range result.Entities {
			b.WriteString("- ")
			b.WriteString(entity.Name)
			b.WriteString(" (")
			b.WriteString(entity.Label)
			b.WriteString(")")
			if entity.Summary != "" {
				b.WriteString(": ")
				b.WriteString(entity.Summary)
			} else if len(entity.Descriptions) > 0 {
				b.WriteString(": ")
				b.WriteString(strings.Join(entity.Descriptions, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(result.Relationships) > 0 {
		b.WriteString("\nGRAPH RELATIONSHIPS:\n")
		for i, rel := range result.Relationships {
			if i >= fusionRelationships {
				break
			}
			b.WriteString("- ")
			b.WriteString(rel.SourceName)
			b.WriteString(" - ")
			b.WriteString(rel.TargetName)
			if line := relationshipLine(rel); line != "" {
				b.WriteString(": ")
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}

	if len(result.Agents) > 0 {
		b.WriteString("\nENTITY REPORTS:\n")
		for _, finding := range result.Agents {
			b.WriteString("## ")
			b.WriteString(finding.Entity)
			b.WriteString("\n")
			b.WriteString(finding.Output)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// dedupRelationships keeps one entry per unordered endpoint pair.
func dedupRelationships(rels []graph.NeighborRelationship) []graph.NeighborRelationship {
	seen := make(map[string]struct{}, len(rels))
	out := rels[:0]
	for _, rel := range rels {
		a, b := rel.SourceName, rel.TargetName
		if b < a {
			a, b = b, a
		}
		key := a + "\x00" + b
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rel)
	}
	return out
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
