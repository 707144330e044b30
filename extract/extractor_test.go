package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/jhyunlee/reelgraph/chunker"
	"github.com/jhyunlee/reelgraph/llm"
)

// stubChat replies with a canned extraction per prompt substring.
type stubChat struct {
	replies map[string]string // substring of prompt -> reply
	fail    bool
}

func (s *stubChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	prompt := req.Messages[len(req.Messages)-1].Content
	for substr, reply := range s.replies {
		if strings.Contains(prompt, substr) {
			return &llm.ChatResponse{Content: reply}, nil
		}
	}
	return &llm.ChatResponse{Content: "<END>"}, nil
}

func (s *stubChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, nil
}

func TestExtractorWritesRecordsToArtifacts(t *testing.T) {
	dir := t.TempDir()
	store := chunker.NewStore(dir)

	chunks := []chunker.Chunk{
		{ChunkID: "이동진_aaaa000000000a_00000001", ChunkHash: "aaaa000000000a",
			Text: "디카프리오의 연기가 돋보인다", MovieID: "인셉션", Reviewer: "이동진", ChunkIndex: 1},
		{ChunkID: "이동진_bbbb000000000b_00000002", ChunkHash: "bbbb000000000b",
			Text: "다른 내용", MovieID: "인셉션", Reviewer: "이동진", ChunkIndex: 2},
	}
	if err := store.WriteAll(chunks); err != nil {
		t.Fatal(err)
	}

	chat := &stubChat{replies: map[string]string{
		"디카프리오": `("entity"|레오나르도 디카프리오|ACTOR|주연 배우)##
("relationship"|레오나르도 디카프리오|ACTOR|인셉션|MOVIE|주연을 맡았다|9)##
<END>`,
	}}

	stats, err := New(chat, store, nil, 2).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Entities != 1 || stats.Relationships != 1 {
		t.Errorf("record counts = %+v", stats)
	}

	got, err := store.Read(chunks[0].ChunkID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entities) != 1 || got.Entities[0].Name != "레오나르도 디카프리오" {
		t.Errorf("artifact entities = %+v", got.Entities)
	}
	if len(got.Relationships) != 1 {
		t.Errorf("artifact relationships = %+v", got.Relationships)
	}
}

func TestExtractorCountsFailuresAndContinues(t *testing.T) {
	dir := t.TempDir()
	store := chunker.NewStore(dir)
	if err := store.WriteAll([]chunker.Chunk{
		{ChunkID: "r_cccc000000000c_00000003", Text: "x", MovieID: "m", Reviewer: "r", ChunkIndex: 1},
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := New(&stubChat{fail: true}, store, nil, 1).Run(context.Background())
	if err != nil {
		t.Fatalf("Run should not fail on chunk errors: %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestQueryEntities(t *testing.T) {
	chat := &stubChat{replies: map[string]string{
		"전지현": `("entity"|전지현|ACTOR|question names the actor)##
("entity"|암살|MOVIE|question names the film)##
<END>`,
	}}

	entities, err := New(chat, chunker.NewStore(t.TempDir()), nil, 1).
		QueryEntities(context.Background(), "전지현의 암살에서 역할은?")
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 2 || entities[0].Name != "전지현" || entities[1].Name != "암살" {
		t.Errorf("entities = %+v", entities)
	}
}
