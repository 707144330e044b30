package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
	"github.com/jhyunlee/reelgraph/registry"
)

// ErrNoQuerier is returned when the graph backend cannot execute raw
// openCypher. The in-memory store does not implement it.
var ErrNoQuerier = errors.New("query: graph backend does not support cypher execution")

// GraphAnswer is the structured envelope of one graph-QA run.
type GraphAnswer struct {
	Success      bool             `json:"success"`
	UserQuestion string           `json:"user_question"`
	CypherQuery  string           `json:"cypher_query,omitempty"`
	Results      []map[string]any `json:"results,omitempty"`
	ResultsCount int              `json:"results_count"`
	Summary      string           `json:"summary,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// GraphQuery answers a question by generating openCypher against the
// live schema and summarizing the rows. Only reading queries pass the
// guard; anything that writes is rejected before execution.
func (r *Router) GraphQuery(ctx context.Context, question string) (*GraphAnswer, error) {
	querier, ok := r.store.(graph.Querier)
	if !ok {
		return nil, ErrNoQuerier
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Deadline)
	defer cancel()

	answer := &GraphAnswer{UserQuestion: question}

	// Canonicalize the names the question uses before generation so
	// the cypher matches stored node names.
	resolved := r.resolveQuestionEntities(ctx, question)
	canonical := question
	for _, res := range resolved {
		if res.Matched && res.Input != res.Canonical {
			canonical = strings.ReplaceAll(canonical, res.Input, res.Canonical)
		}
	}

	schema, err := r.store.Schema(ctx)
	if err != nil {
		answer.Error = fmt.Sprintf("schema: %v", err)
		return answer, nil
	}

	cypher, err := r.generateCypher(ctx, canonical, schema)
	if err != nil {
		slog.Warn("graphqa: generation failed, trying pattern fallback", "error", err)
		cypher = fallbackCypher(canonical, resolved)
		if cypher == "" {
			answer.Error = fmt.Sprintf("cypher generation: %v", err)
			return answer, nil
		}
	}
	answer.CypherQuery = cypher

	if err := guardReadOnly(cypher); err != nil {
		answer.Error = err.Error()
		return answer, nil
	}

	rows, err := querier.Query(ctx, cypher, nil)
	if err != nil {
		answer.Error = fmt.Sprintf("cypher execution: %v", err)
		return answer, nil
	}
	answer.Results = rows
	answer.ResultsCount = len(rows)

	summary, err := r.summarizeRows(ctx, question, cypher, rows)
	if err != nil {
		slog.Warn("graphqa: summarization failed", "error", err)
	} else {
		answer.Summary = summary
	}
	answer.Success = true
	return answer, nil
}

const cypherSystemPrompt = `You translate questions about a film-review knowledge graph into a single openCypher query.
Rules:
- Emit exactly one read-only query using only MATCH, OPTIONAL MATCH, WHERE, WITH, RETURN, ORDER BY and LIMIT.
- Never use CREATE, MERGE, SET, DELETE, REMOVE, DROP or CALL.
- Match node names exactly as given in the question.
- Always add LIMIT 50 unless the question asks for a count.
- Reply with the query only, no prose and no code fences.`

func (r *Router) generateCypher(ctx context.Context, question, schema string) (string, error) {
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: cypherSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("GRAPH SCHEMA:\n%s\n\nQUESTION:\n%s", schema, question)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("cypher chat: %w", err)
	}

	cypher := strings.TrimSpace(resp.Content)
	cypher = strings.TrimPrefix(cypher, "```cypher")
	cypher = strings.TrimPrefix(cypher, "```")
	cypher = strings.TrimSuffix(cypher, "```")
	cypher = strings.TrimSpace(cypher)
	if cypher == "" {
		return "", fmt.Errorf("empty cypher from model")
	}
	return cypher, nil
}

// summarizeRows turns result rows back into prose in the language of
// the question.
func (r *Router) summarizeRows(ctx context.Context, question, cypher string, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}

	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the query results as a direct answer to the question. Answer in the language of the question. Use only the rows given."},
			{Role: "user", Content: fmt.Sprintf("QUESTION:\n%s\n\nQUERY:\n%s\n\nROWS:\n%s", question, cypher, encoded)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summary chat: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

var writeClauseRe = regexp.MustCompile(`(?i)\b(create|merge|set|delete|remove|drop|call)\b`)

// guardReadOnly rejects any query that could mutate the graph. The
// generated text is untrusted model output; execution never happens
// without this check.
func guardReadOnly(cypher string) error {
	upper := strings.ToUpper(cypher)
	if !strings.Contains(upper, "MATCH") || !strings.Contains(upper, "RETURN") {
		return fmt.Errorf("query: cypher must be a MATCH ... RETURN query")
	}
	if m := writeClauseRe.FindString(cypher); m != "" {
		return fmt.Errorf("query: cypher contains forbidden clause %q", strings.ToUpper(m))
	}
	return nil
}

// fallbackCypher covers the two question shapes common enough to hard
// code when generation fails: an actor's filmography and a movie's
// characters.
func fallbackCypher(question string, resolved []registry.Resolution) string {
	name := ""
	for _, res := range resolved {
		if res.Matched {
			name = res.Canonical
			break
		}
	}
	if name == "" {
		return ""
	}

	lower := strings.ToLower(question)
	switch {
	case strings.Contains(lower, "filmography") || strings.Contains(lower, "출연작") || strings.Contains(lower, "영화"):
		return fmt.Sprintf(
			"MATCH (a {name: %q})-[:RELATIONSHIP]-(m:MOVIE) RETURN m.name AS movie LIMIT 50", name)
	case strings.Contains(lower, "character") || strings.Contains(lower, "배역") || strings.Contains(lower, "캐릭터"):
		return fmt.Sprintf(
			"MATCH (m {name: %q})-[:RELATIONSHIP]-(c:MOVIE_CHARACTER) RETURN c.name AS character LIMIT 50", name)
	}
	return ""
}
