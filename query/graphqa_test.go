package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
)

// cypherStore adds raw query execution to the in-memory graph.
type cypherStore struct {
	*graph.Memory

	mu      sync.Mutex
	rows    []map[string]any
	err     error
	queries []string
}

func (s *cypherStore) Query(_ context.Context, query string, _ map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.rows, s.err
}

// cannedChat returns a fixed cypher generation reply and a fixed row
// summary.
type cannedChat struct {
	cypher    string
	cypherErr error
}

func (c *cannedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) > 0 && req.Messages[0].Content == cypherSystemPrompt {
		if c.cypherErr != nil {
			return nil, c.cypherErr
		}
		return &llm.ChatResponse{Content: c.cypher}, nil
	}
	return &llm.ChatResponse{Content: "row summary"}, nil
}

func (c *cannedChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("not an embedding model")
}

func TestGraphQueryEnvelope(t *testing.T) {
	reg, mem := retrievalFixture(t)
	store := &cypherStore{
		Memory: mem,
		rows:   []map[string]any{{"movie": "인셉션"}, {"movie": "더 울프 오브 월 스트리트"}},
	}
	chat := &cannedChat{cypher: "```cypher\nMATCH (a:ACTOR {name: \"Leonardo DiCaprio\"})-[:RELATIONSHIP]-(m:MOVIE) RETURN m.name AS movie LIMIT 50\n```"}
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	router := NewRouter(chat, fixedEmbedder{}, reg, store, ex, nil, Options{})
	answer, err := router.GraphQuery(context.Background(), "디카프리오 출연작 알려줘")
	if err != nil {
		t.Fatalf("GraphQuery: %v", err)
	}
	if !answer.Success {
		t.Fatalf("answer = %+v", answer)
	}
	if answer.ResultsCount != 2 || answer.Summary != "row summary" {
		t.Errorf("answer = %+v", answer)
	}
	// Fences stripped before execution.
	if strings.Contains(answer.CypherQuery, "```") {
		t.Errorf("cypher not cleaned: %q", answer.CypherQuery)
	}
	// The resolved canonical name reached the generation prompt via
	// substitution, so the executed query matches stored node names.
	if len(store.queries) != 1 || !strings.Contains(store.queries[0], "Leonardo DiCaprio") {
		t.Errorf("executed = %v", store.queries)
	}
}

func TestGraphQueryGuardBlocksWrites(t *testing.T) {
	reg, mem := retrievalFixture(t)
	store := &cypherStore{Memory: mem}
	chat := &cannedChat{cypher: "MATCH (n) DETACH DELETE n RETURN count(n)"}
	ex := &stubExtractor{}

	router := NewRouter(chat, fixedEmbedder{}, reg, store, ex, nil, Options{})
	answer, err := router.GraphQuery(context.Background(), "지워줘")
	if err != nil {
		t.Fatal(err)
	}
	if answer.Success {
		t.Fatalf("write query must not succeed: %+v", answer)
	}
	if !strings.Contains(answer.Error, "DELETE") {
		t.Errorf("error = %q", answer.Error)
	}
	if len(store.queries) != 0 {
		t.Errorf("guard must block execution, ran %v", store.queries)
	}
}

func TestGraphQueryFallsBackToPatternQuery(t *testing.T) {
	reg, mem := retrievalFixture(t)
	store := &cypherStore{Memory: mem, rows: []map[string]any{{"movie": "인셉션"}}}
	chat := &cannedChat{cypherErr: errors.New("model down")}
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	router := NewRouter(chat, fixedEmbedder{}, reg, store, ex, nil, Options{})
	answer, err := router.GraphQuery(context.Background(), "디카프리오 출연 영화?")
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Success {
		t.Fatalf("fallback should run: %+v", answer)
	}
	if !strings.Contains(answer.CypherQuery, "MOVIE") || !strings.Contains(answer.CypherQuery, "Leonardo DiCaprio") {
		t.Errorf("fallback cypher = %q", answer.CypherQuery)
	}
}

func TestGraphQueryRequiresQuerier(t *testing.T) {
	reg, mem := retrievalFixture(t)
	router := NewRouter(&cannedChat{}, fixedEmbedder{}, reg, mem, &stubExtractor{}, nil, Options{})

	if _, err := router.GraphQuery(context.Background(), "anything"); !errors.Is(err, ErrNoQuerier) {
		t.Errorf("err = %v, want ErrNoQuerier", err)
	}
}

func TestGuardReadOnly(t *testing.T) {
	tests := []struct {
		cypher string
		ok     bool
	}{
		{"MATCH (n:MOVIE) RETURN n.name", true},
		{"MATCH (a)-[r:RELATIONSHIP]-(b) WHERE a.name = 'x' RETURN b ORDER BY b.name LIMIT 10", true},
		{"CREATE (n:MOVIE {name: 'x'}) RETURN n", false},
		{"MATCH (n) SET n.name = 'x' RETURN n", false},
		{"MATCH (n) RETURN n // merge later", false},
		{"RETURN 1", false},
		{"MATCH (n) DELETE n", false},
	}
	for _, tt := range tests {
		err := guardReadOnly(tt.cypher)
		if (err == nil) != tt.ok {
			t.Errorf("guardReadOnly(%q) = %v, want ok=%v", tt.cypher, err, tt.ok)
		}
	}
}
