package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
	"github.com/jhyunlee/reelgraph/registry"
)

const testDim = 4

// scriptedChat answers by system prompt: cypher generation, agent and
// fusion calls each get their own reply. Requests are recorded for
// assertions.
type scriptedChat struct {
	mu       sync.Mutex
	requests []llm.ChatRequest
}

func (s *scriptedChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	system := ""
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		system = req.Messages[0].Content
	}
	switch {
	case system == fusionSystemPrompt:
		return &llm.ChatResponse{Content: "fused answer"}, nil
	case system == cypherSystemPrompt:
		return &llm.ChatResponse{Content: "MATCH (n:ACTOR) RETURN n.name LIMIT 50"}, nil
	default:
		return &llm.ChatResponse{Content: "agent report"}, nil
	}
}

func (s *scriptedChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("not an embedding model")
}

func (s *scriptedChat) fusionCalls() []llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.ChatRequest
	for _, req := range s.requests {
		if len(req.Messages) > 0 && req.Messages[0].Content == fusionSystemPrompt {
			out = append(out, req)
		}
	}
	return out
}

type fixedEmbedder struct{}

func (fixedEmbedder) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("not a chat model")
}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

// stubExtractor returns fixed question entities.
type stubExtractor struct {
	entities []chunker.Entity
	err      error
}

func (s *stubExtractor) QueryEntities(context.Context, string) ([]chunker.Entity, error) {
	return s.entities, s.err
}

// retrievalFixture seeds a registry and graph that agree on one chunk
// and its mentioned entities.
func retrievalFixture(t *testing.T) (*registry.Memory, *graph.Memory) {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewMemory(testDim)
	if err := reg.PutEntity(ctx, registry.EntityDocID("Leonardo DiCaprio", graph.LabelActor),
		registry.EntityRecord{
			Name: "Leonardo DiCaprio", EntityType: graph.LabelActor,
			Synonyms: []string{"디카프리오"},
		}); err != nil {
		t.Fatal(err)
	}
	if err := reg.PutChunk(ctx, "chunk-1", registry.ChunkRecord{
		Context: "디카프리오의 연기는 꿈의 층위를 오가며 무게를 더한다", ContextVec: []float32{1, 0, 0, 0},
		NeptuneID: "chunk-1",
	}); err != nil {
		t.Fatal(err)
	}

	store := graph.NewMemory()
	if err := store.UpsertProvenance(ctx, "인셉션", "이동진", "chunk-1", "리뷰 본문"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertEntity(ctx, graph.LabelActor, "Leonardo DiCaprio", []string{"꿈을 훔치는 배우"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertEntity(ctx, graph.LabelCharacter, "Cobb", []string{"주인공"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMentions(ctx, "chunk-1", "Leonardo DiCaprio", graph.LabelActor); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertRelationship(ctx,
		graph.Endpoint{Label: graph.LabelActor, Name: "Leonardo DiCaprio"},
		graph.Endpoint{Label: graph.LabelCharacter, Name: "Cobb"},
		[]string{"연기했다"}, 9); err != nil {
		t.Fatal(err)
	}
	return reg, store
}

func newTestRouter(chat *scriptedChat, reg registry.Registry, store graph.Store, ex entityExtractor) *Router {
	return NewRouter(chat, fixedEmbedder{}, reg, store, ex, nil, Options{AgentPool: 2})
}

func TestQueryDataOnlyReturnsStructuredResults(t *testing.T) {
	reg, store := retrievalFixture(t)
	chat := &scriptedChat{}
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	result, err := newTestRouter(chat, reg, store, ex).Query(context.Background(), "디카프리오 연기 어땠어?", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Answer != "" {
		t.Errorf("data_only must skip the final answer, got %q", result.Answer)
	}
	if len(chat.fusionCalls()) != 0 {
		t.Errorf("data_only must not call the fusion model")
	}
	if len(result.Chunks) != 1 || result.Chunks[0].DocID != "chunk-1" {
		t.Fatalf("chunks = %+v", result.Chunks)
	}
	if len(result.Entities) != 2 {
		t.Errorf("entities = %+v", result.Entities)
	}
	if result.Entities[0].Name != "Leonardo DiCaprio" || result.Entities[1].Name != "Cobb" {
		t.Errorf("expansion order = %+v", result.Entities)
	}
	if len(result.Relationships) != 1 {
		t.Errorf("relationships = %+v", result.Relationships)
	}
	if len(result.Resolved) != 1 || result.Resolved[0].MatchType != registry.MatchSynonymExact {
		t.Errorf("resolved = %+v", result.Resolved)
	}
}

func TestQueryFusesRetrievalIntoAnswer(t *testing.T) {
	reg, store := retrievalFixture(t)
	chat := &scriptedChat{}
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	result, err := newTestRouter(chat, reg, store, ex).Query(context.Background(), "디카프리오 연기 어땠어?", false)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Answer != "fused answer" {
		t.Errorf("answer = %q", result.Answer)
	}

	fusions := chat.fusionCalls()
	if len(fusions) != 1 {
		t.Fatalf("fusion calls = %d, want 1", len(fusions))
	}
	prompt := fusions[0].Messages[1].Content
	for _, want := range []string{"디카프리오의 연기는", "Leonardo DiCaprio", "Cobb"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("fusion context missing %q:\n%s", want, prompt)
		}
	}
}

func TestQueryAgentsGatedByStoredPrompt(t *testing.T) {
	reg, store := retrievalFixture(t)
	ctx := context.Background()
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	// No prompt set: no agents run.
	chat := &scriptedChat{}
	result, err := newTestRouter(chat, reg, store, ex).Query(ctx, "디카프리오 최근 활동?", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Agents) != 0 {
		t.Fatalf("agents without prompt = %+v", result.Agents)
	}

	// With a prompt the resolved entity dispatches one agent.
	if err := store.SetEntityPrompt(ctx, graph.LabelActor, "Leonardo DiCaprio",
		"You are the expert on {name}."); err != nil {
		t.Fatal(err)
	}
	result, err = newTestRouter(chat, reg, store, ex).Query(ctx, "디카프리오 최근 활동?", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Agents) != 1 {
		t.Fatalf("agents = %+v", result.Agents)
	}
	if result.Agents[0].Entity != "Leonardo DiCaprio" || result.Agents[0].Output != "agent report" {
		t.Errorf("finding = %+v", result.Agents[0])
	}
	if result.Agents[0].UsedWeb {
		t.Errorf("no web searcher configured, UsedWeb must be false")
	}
}

func TestQueryAgentsCoverExpansionEntities(t *testing.T) {
	reg, store := retrievalFixture(t)
	ctx := context.Background()
	chat := &scriptedChat{}
	ex := &stubExtractor{entities: []chunker.Entity{{Name: "디카프리오", Type: graph.LabelActor}}}

	// The prompt sits on an entity reached only through relationship
	// expansion, never named in the question.
	if err := store.SetEntityPrompt(ctx, graph.LabelCharacter, "Cobb",
		"You are the expert on {name}."); err != nil {
		t.Fatal(err)
	}

	result, err := newTestRouter(chat, reg, store, ex).Query(ctx, "디카프리오 연기 어땠어?", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Agents) != 1 || result.Agents[0].Entity != "Cobb" {
		t.Fatalf("agents = %+v, want one finding for Cobb", result.Agents)
	}
}

func TestQueryExtractionFailureStillAnswers(t *testing.T) {
	reg, store := retrievalFixture(t)
	chat := &scriptedChat{}
	ex := &stubExtractor{err: fmt.Errorf("model down")}

	result, err := newTestRouter(chat, reg, store, ex).Query(context.Background(), "인셉션 평 어때?", false)
	if err != nil {
		t.Fatalf("extraction failure must degrade, got %v", err)
	}
	if result.Answer != "fused answer" {
		t.Errorf("answer = %q", result.Answer)
	}
	if len(result.Resolved) != 0 || len(result.Agents) != 0 {
		t.Errorf("degraded query should skip resolution and agents: %+v", result)
	}
}

func TestDedupRelationshipsKeepsOnePerPair(t *testing.T) {
	rels := []graph.NeighborRelationship{
		{SourceName: "a", TargetName: "b"},
		{SourceName: "b", TargetName: "a"},
		{SourceName: "a", TargetName: "c"},
	}
	got := dedupRelationships(rels)
	if len(got) != 2 {
		t.Fatalf("deduped = %+v", got)
	}
}

func TestTruncateRespectsRunes(t *testing.T) {
	if got := truncate("디카프리오", 3); got != "디카프..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 500); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
