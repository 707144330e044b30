package reelgraph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testDim = 8

// fakeLLMServer speaks the OpenAI-compatible wire format and answers
// by prompt kind: extraction and question analysis get delimited
// records, summarization gets JSON, fusion gets the final answer.
func fakeLLMServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding chat request: %v", err)
		}
		system, user := "", ""
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				system = m.Content
			default:
				user = m.Content
			}
		}

		content := "에이전트 보고"
		switch {
		case strings.Contains(user, "information extraction engine"):
			content = `("entity"|레오나르도 디카프리오|ACTOR|꿈 도둑 코브 역을 맡아 극을 이끈다)##
("entity"|인셉션|MOVIE|꿈속의 꿈을 다루는 영화)##
("relationship"|레오나르도 디카프리오|ACTOR|인셉션|MOVIE|디카프리오가 인셉션에 출연했다|9)##
<END>`
		case strings.Contains(user, "entity recognition engine"):
			content = `("entity"|레오나르도 디카프리오|ACTOR|배우를 지칭한다)##
<END>`
		case strings.Contains(user, "You are summarizing"):
			content = `{"entity": "e", "summary": "여러 리뷰를 종합한 요약"}`
		case strings.HasPrefix(system, "You answer questions about films"):
			content = "디카프리오는 인셉션에서 코브를 연기했다."
		case strings.HasPrefix(system, "You translate questions"):
			content = "MATCH (n:ACTOR) RETURN n.name LIMIT 50"
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": content}, "finish_reason": "stop"},
			},
			"model": "test",
		})
	})

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding embedding request: %v", err)
		}
		data := make([]map[string]any, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float32, testDim)
			for j, r := range text {
				vec[j%testDim] += float32(r % 17)
			}
			data[i] = map[string]any{"embedding": vec, "index": i}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testConfig builds a fully local configuration: memory graph, memory
// index, fake LLM endpoint, and a seeded review + catalog tree.
func testConfig(t *testing.T, baseURL string) Config {
	t.Helper()
	root := t.TempDir()
	reviewDir := filepath.Join(root, "reviews")
	catalogDir := filepath.Join(root, "catalog")
	for _, dir := range []string{reviewDir, catalogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	review := "디카프리오의 연기는 꿈의 층위를 오가며 무게를 더한다. " +
		"놀란 감독의 연출은 구조 그 자체가 서사다."
	if err := os.WriteFile(filepath.Join(reviewDir, "인셉션+이동진.txt"), []byte(review), 0o644); err != nil {
		t.Fatal(err)
	}

	catalogs := map[string]string{
		"movies.csv":    "Title,Synonym,Year,Synopsis\n인셉션,Inception,2010,꿈속의 꿈\n",
		"reviewers.csv": "Reviewers,Synonym\n이동진,\n",
		"casts.csv":     "배우,역할,영화\n레오나르도 디카프리오,코브,인셉션\n",
		"staff.csv":     "Name,Role,Synonym\n크리스토퍼 놀란,director,놀란\n",
	}
	for name, body := range catalogs {
		if err := os.WriteFile(filepath.Join(catalogDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig()
	cfg.ReviewDir = reviewDir
	cfg.ArtifactDir = filepath.Join(root, "chunks")
	cfg.CatalogDir = catalogDir
	cfg.Graph = GraphConfig{Driver: "memory"}
	cfg.Search = SearchConfig{Backend: "memory"}
	cfg.Chat = LLMConfig{Provider: "custom", Model: "test", BaseURL: baseURL}
	cfg.Embedding = LLMConfig{Provider: "custom", Model: "test", BaseURL: baseURL}
	cfg.EmbeddingDim = testDim
	cfg.ExtractWorkers = 2
	cfg.NodeWorkers = 4
	cfg.PublishWorkers = 2
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	srv := fakeLLMServer(t)
	ctx := context.Background()

	p, err := New(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	importStats, err := p.Bootstrap(ctx, false)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if importStats.Movies != 1 || importStats.Reviewers != 1 || importStats.Staff != 1 {
		t.Fatalf("import stats = %+v", importStats)
	}

	chunkStats, err := p.RunChunking(ctx)
	if err != nil {
		t.Fatalf("RunChunking: %v", err)
	}
	if chunkStats.Transcripts != 1 || chunkStats.Chunks == 0 {
		t.Fatalf("chunk stats = %+v", chunkStats)
	}

	if _, err := p.RunExtraction(ctx); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	resolveStats, err := p.RunResolution(ctx)
	if err != nil {
		t.Fatalf("RunResolution: %v", err)
	}
	// Both extracted entities are catalog-seeded, so both resolve.
	if resolveStats.Matched == 0 || resolveStats.NotFound != 0 {
		t.Fatalf("resolve stats = %+v", resolveStats)
	}

	writeStats, err := p.RunGraphLoad(ctx)
	if err != nil {
		t.Fatalf("RunGraphLoad: %v", err)
	}
	if writeStats.ChunksFailed != 0 || writeStats.EntitiesNew == 0 || writeStats.Mentions == 0 {
		t.Fatalf("write stats = %+v", writeStats)
	}

	sumStats, err := p.RunSummarization(ctx)
	if err != nil {
		t.Fatalf("RunSummarization: %v", err)
	}
	if sumStats.Nodes == 0 || sumStats.NodesFailed != 0 {
		t.Fatalf("summarize stats = %+v", sumStats)
	}

	entityStats, pubChunkStats, err := p.RunPublish(ctx)
	if err != nil {
		t.Fatalf("RunPublish: %v", err)
	}
	if entityStats.Updated+entityStats.Created == 0 || entityStats.Failed != 0 {
		t.Fatalf("entity publish stats = %+v", entityStats)
	}
	if pubChunkStats.Published != chunkStats.Chunks {
		t.Fatalf("chunk publish stats = %+v, want %d published", pubChunkStats, chunkStats.Chunks)
	}

	report, err := p.Validate(ctx)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !report.OK() {
		t.Fatalf("validation report = %+v", report)
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Graph.Chunks != chunkStats.Chunks || stats.Index.Entities == 0 {
		t.Fatalf("stats = %+v", stats)
	}

	// Data-only query returns evidence without a final answer.
	result, err := p.Query(ctx, "디카프리오 연기 어땠어?", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Answer != "" || len(result.Chunks) == 0 {
		t.Fatalf("data-only result = %+v", result)
	}

	// Full query fuses everything into an answer; with an agent prompt
	// set, the resolved entity contributes a finding.
	if err := p.SetEntityPrompt(ctx, "ACTOR", "레오나르도 디카프리오", "당신은 {name} 전문가다."); err != nil {
		t.Fatal(err)
	}
	result, err = p.Query(ctx, "레오나르도 디카프리오 연기 어땠어?", false)
	if err != nil {
		t.Fatal(err)
	}
	if result.Answer == "" {
		t.Error("full query returned no answer")
	}
	if len(result.Agents) != 1 || result.Agents[0].Output != "에이전트 보고" {
		t.Errorf("agents = %+v", result.Agents)
	}
}

func TestPipelineClosedRejectsCalls(t *testing.T) {
	srv := fakeLLMServer(t)
	ctx := context.Background()

	p, err := New(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := p.Query(ctx, "q", true); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := p.RunChunking(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestPipelineClearWipesBackends(t *testing.T) {
	srv := fakeLLMServer(t)
	ctx := context.Background()

	p, err := New(ctx, testConfig(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Bootstrap(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := p.Clear(ctx, true, true); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := p.Registry().ValidateIndices(ctx); !errors.Is(err, ErrIndexMissing) {
		t.Errorf("indices should be gone, err = %v", err)
	}
}
