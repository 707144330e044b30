package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
)

// agentTemperature leaves the agents some latitude for synthesis.
const agentTemperature = 0.5

// AgentFinding is one entity agent's contribution to the answer.
type AgentFinding struct {
	Entity  string `json:"entity"`
	Output  string `json:"output"`
	UsedWeb bool   `json:"used_web"`
}

// agent answers a question about one entity using the instruction
// stored on its graph node. It gathers its tool context first (graph
// neighborhood, optionally web search) and then makes a single model
// call. Any failure degrades to an empty contribution.
type agent struct {
	chat   llm.Provider
	store  graph.Store
	web    *WebSearcher
	entity string
	prompt string
}

// run executes the agent. The stored prompt becomes the system message
// with {name} substituted; tool outputs arrive as user context.
func (a *agent) run(ctx context.Context, question string) (*AgentFinding, error) {
	system := strings.ReplaceAll(a.prompt, "{name}", a.entity)

	var b strings.Builder
	b.WriteString("QUESTION:\n")
	b.WriteString(question)
	b.WriteString("\n\nGRAPH CONTEXT for ")
	b.WriteString(a.entity)
	b.WriteString(":\n")
	b.WriteString(a.searchGraph(ctx))

	usedWeb := false
	if a.web != nil {
		if webContext := a.searchWeb(ctx); webContext != "" {
			b.WriteString("\n\nWEB CONTEXT for ")
			b.WriteString(a.entity)
			b.WriteString(":\n")
			b.WriteString(webContext)
			usedWeb = true
		}
	}
	b.WriteString("\n\nAnswer the question from this entity's perspective, using only the context above.")

	resp, err := a.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: b.String()},
		},
		Temperature: agentTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.entity, err)
	}
	return &AgentFinding{Entity: a.entity, Output: strings.TrimSpace(resp.Content), UsedWeb: usedWeb}, nil
}

// searchGraph is the agent's graph tool: the entity's accumulated
// descriptions, its summary, and its direct relationships.
func (a *agent) searchGraph(ctx context.Context) string {
	detail, err := a.store.EntityContext(ctx, a.entity)
	if err != nil || detail == nil {
		if err != nil {
			slog.Warn("agent: graph tool failed", "entity", a.entity, "error", err)
		}
		return "no graph data"
	}

	var b strings.Builder
	if detail.Summary != "" {
		b.WriteString(detail.Summary)
		b.WriteString("\n")
	}
	if len(detail.Descriptions) > 0 {
		b.WriteString("Observations: ")
		b.WriteString(strings.Join(detail.Descriptions, ", "))
		b.WriteString("\n")
	}
	for _, rel := range detail.Neighbors {
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
	return strings.TrimSpace(b.String())
}

// searchWeb is the agent's web tool. The recent angle is the default;
// a prompt mentioning awards or news switches the angle.
func (a *agent) searchWeb(ctx context.Context) string {
	searchType := SearchRecent
	lower := strings.ToLower(a.prompt)
	switch {
	case strings.Contains(lower, "award") || strings.Contains(lower, "수상"):
		searchType = SearchAwards
	case strings.Contains(lower, "news") || strings.Contains(lower, "뉴스"):
		searchType = SearchNews
	}

	results, err := a.web.Search(ctx, a.entity, searchType)
	if err != nil {
		slog.Warn("agent: web tool failed", "entity", a.entity, "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	return formatWebResults(results)
}

// relationshipLine prefers the summarized view of an edge and falls
// back to the raw description list.
func relationshipLine(rel graph.NeighborRelationship) string {
	if rel.Summary != "" {
		return rel.Summary
	}
	return strings.Join(rel.Descriptions, ", ")
}
