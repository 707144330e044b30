// Package summarize condenses accumulated graph descriptions into one
// summary per entity node and per relationship edge. Summaries are what
// the publisher embeds, so the stage runs after graph loading and
// before publishing.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
)

const defaultWorkers = 8

// summaryTemperature keeps summaries factual.
const summaryTemperature = 0.2

// Stats aggregates one summarization run.
type Stats struct {
	Nodes       int `json:"nodes"`
	Edges       int `json:"edges"`
	NodesFailed int `json:"nodes_failed"`
	EdgesFailed int `json:"edges_failed"`
}

// Summarizer drives the node and edge summary passes.
type Summarizer struct {
	chat    llm.Provider
	store   graph.Store
	workers int
}

// New creates a summarization stage runner.
func New(chat llm.Provider, store graph.Store, workers int) *Summarizer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Summarizer{chat: chat, store: store, workers: workers}
}

// Run summarizes every unsummarized node, then every unsummarized
// edge. Item failures are counted and skipped; the worklists come from
// the store, so a re-run only picks up what is still missing.
func (s *Summarizer) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	start := time.Now()

	nodes, err := s.store.NodeSummaryCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing node candidates: %w", err)
	}
	slog.Info("summarize: node pass", "candidates", len(nodes), "workers", s.workers)
	done, failed := s.forEach(ctx, len(nodes), func(ctx context.Context, i int) error {
		return s.summarizeNode(ctx, nodes[i])
	})
	stats.Nodes, stats.NodesFailed = done, failed

	edges, err := s.store.EdgeSummaryCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing edge candidates: %w", err)
	}
	slog.Info("summarize: edge pass", "candidates", len(edges), "workers", s.workers)
	done, failed = s.forEach(ctx, len(edges), func(ctx context.Context, i int) error {
		return s.summarizeEdge(ctx, edges[i])
	})
	stats.Edges, stats.EdgesFailed = done, failed

	slog.Info("summarize: done",
		"nodes", stats.Nodes, "nodes_failed", stats.NodesFailed,
		"edges", stats.Edges, "edges_failed", stats.EdgesFailed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// forEach runs fn over n items with the bounded worker pool and
// returns (succeeded, failed) counts.
func (s *Summarizer) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) (int, int) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		sem       = make(chan struct{}, s.workers)
		succeeded int
		failed    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := fn(ctx, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Warn("summarize: item failed", "error", err)
				return
			}
			succeeded++
		}(i)
	}
	wg.Wait()
	return succeeded, failed
}

func (s *Summarizer) summarizeNode(ctx context.Context, node graph.NodeCandidate) error {
	summary, err := s.summarize(ctx, node.Name, buildNodePrompt(node))
	if err != nil {
		return fmt.Errorf("node %s/%s: %w", node.Label, node.Name, err)
	}
	if err := s.store.SaveNodeSummary(ctx, node.Label, node.Name, summary); err != nil {
		return fmt.Errorf("saving node summary %s/%s: %w", node.Label, node.Name, err)
	}
	return nil
}

func (s *Summarizer) summarizeEdge(ctx context.Context, edge graph.EdgeCandidate) error {
	name := edge.Source.Name + " - " + edge.Target.Name
	summary, err := s.summarize(ctx, name, buildEdgePrompt(edge))
	if err != nil {
		return fmt.Errorf("edge %s: %w", name, err)
	}
	if err := s.store.SaveEdgeSummary(ctx, edge.Source, edge.Target, summary); err != nil {
		return fmt.Errorf("saving edge summary %s: %w", name, err)
	}
	return nil
}

func (s *Summarizer) summarize(ctx context.Context, entity, prompt string) (string, error) {
	resp, err := s.chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summary chat: %w", err)
	}
	summary, err := parseSummary(resp.Content)
	if err != nil {
		return "", fmt.Errorf("parsing summary for %q: %w", entity, err)
	}
	return summary, nil
}

// parseSummary reads the {entity, summary} JSON reply, tolerating a
// surrounding markdown code fence.
func parseSummary(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}

	var parsed struct {
		Entity  string `json:"entity"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("decoding summary JSON: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) == "" {
		return "", fmt.Errorf("empty summary in reply")
	}
	return strings.TrimSpace(parsed.Summary), nil
}
