package summarize

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/llm"
)

// jsonChat replies with a well-formed summary for any prompt, fenced
// or bare depending on the flag.
type jsonChat struct {
	fenced bool
	fail   bool
	calls  int
}

func (j *jsonChat) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	j.calls++
	if j.fail {
		return nil, fmt.Errorf("model unavailable")
	}
	reply := `{"entity": "x", "summary": "merged view of the collected observations"}`
	if j.fenced {
		reply = "```json\n" + reply + "\n```"
	}
	return &llm.ChatResponse{Content: reply}, nil
}

func (j *jsonChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func seedGraph(t *testing.T) *graph.Memory {
	t.Helper()
	store := graph.NewMemory()
	ctx := context.Background()

	if err := store.UpsertProvenance(ctx, "인셉션", "이동진", "chunk-1", "리뷰 본문"); err != nil {
		t.Fatal(err)
	}
	entities := []struct{ label, name, desc string }{
		{graph.LabelActor, "Leonardo DiCaprio", "주연 배우"},
		{graph.LabelCharacter, "Cobb", "드림 익스트랙터"},
	}
	for _, e := range entities {
		if _, err := store.UpsertEntity(ctx, e.label, e.name, []string{e.desc}); err != nil {
			t.Fatal(err)
		}
	}
	a := graph.Endpoint{Name: "Cobb", Label: graph.LabelCharacter}
	b := graph.Endpoint{Name: "Leonardo DiCaprio", Label: graph.LabelActor}
	if _, err := store.UpsertRelationship(ctx, a, b, []string{"디카프리오가 연기한 역할"}, 9); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestSummarizerWritesNodeAndEdgeSummaries(t *testing.T) {
	store := seedGraph(t)
	stats, err := New(&jsonChat{fenced: true}, store, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Nodes != 2 || stats.Edges != 1 || stats.NodesFailed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	_, summary, canonicalID, ok := store.Entity(graph.LabelActor, "Leonardo DiCaprio")
	if !ok || summary == "" {
		t.Fatalf("node summary not written")
	}
	if canonicalID == "" {
		t.Errorf("canonical id should be assigned at summary time")
	}

	a := graph.Endpoint{Name: "Cobb", Label: graph.LabelCharacter}
	b := graph.Endpoint{Name: "Leonardo DiCaprio", Label: graph.LabelActor}
	if _, _, ok := store.Relationship(a, b); !ok {
		t.Fatalf("relationship missing")
	}
}

func TestSummarizerRerunSkipsSummarized(t *testing.T) {
	store := seedGraph(t)
	chat := &jsonChat{}
	if _, err := New(chat, store, 1).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := chat.calls

	stats, err := New(chat, store, 1).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Nodes != 0 || stats.Edges != 0 {
		t.Errorf("second run should find no candidates, got %+v", stats)
	}
	if chat.calls != first {
		t.Errorf("second run made %d extra calls", chat.calls-first)
	}
}

func TestSummarizerCountsFailures(t *testing.T) {
	store := seedGraph(t)
	stats, err := New(&jsonChat{fail: true}, store, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run should not fail on item errors: %v", err)
	}
	if stats.NodesFailed != 2 || stats.EdgesFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare json", `{"entity": "a", "summary": "fine"}`, "fine", false},
		{"fenced", "```json\n{\"entity\": \"a\", \"summary\": \"fine\"}\n```", "fine", false},
		{"fence without language", "```\n{\"summary\": \"ok\"}\n```", "ok", false},
		{"whitespace summary", `{"summary": "  trimmed  "}`, "trimmed", false},
		{"empty summary", `{"entity": "a", "summary": ""}`, "", true},
		{"not json", "no summary here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSummary(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("summary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNodePromptJoinsDescriptions(t *testing.T) {
	prompt := buildNodePrompt(graph.NodeCandidate{
		Label:        graph.LabelActor,
		Name:         "전지현",
		Descriptions: []string{"암살의 주연", "저격수 안옥윤 역"},
	})
	if !strings.Contains(prompt, "암살의 주연, 저격수 안옥윤 역") {
		t.Errorf("descriptions not joined: %s", prompt)
	}
	if !strings.Contains(prompt, "전지현") {
		t.Errorf("name missing: %s", prompt)
	}
}
