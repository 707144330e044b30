package graph

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jhyunlee/reelgraph/chunker"
)

func testChunk(id string, entities []chunker.Entity, rels []chunker.Relationship) chunker.Chunk {
	return chunker.Chunk{
		ChunkID:       id,
		ChunkHash:     "deadbeefcafe01",
		Text:          "chunk text for " + id,
		MovieID:       "인셉션",
		Reviewer:      "이동진",
		ChunkIndex:    1,
		Entities:      entities,
		Relationships: rels,
	}
}

func runWriter(t *testing.T, store Store, cfg WriterConfig, chunks []chunker.Chunk) *WriteStats {
	t.Helper()
	w := NewWriter(store, cfg)
	stats, err := w.Run(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return stats
}

func TestWriterDescriptionAccumulation(t *testing.T) {
	mem := NewMemory()

	chunkX := testChunk("c1", []chunker.Entity{
		{Name: "Tom Hardy", Type: "ACTOR", Description: "played Eames"},
	}, nil)
	chunkY := testChunk("c2", []chunker.Entity{
		{Name: "Tom Hardy", Type: "ACTOR", Description: "forger in dream team"},
	}, nil)

	stats := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, []chunker.Chunk{chunkX, chunkY})

	desc, _, canonicalID, ok := mem.Entity(LabelActor, "Tom Hardy")
	if !ok {
		t.Fatal("Tom Hardy node missing")
	}
	want := []string{"played Eames", "forger in dream team"}
	// Chunk order is shuffled, so accept either insertion order but
	// require the set to be exact and duplicate-free.
	if len(desc) != 2 {
		t.Fatalf("descriptions = %v, want 2 fragments", desc)
	}
	seen := map[string]bool{desc[0]: true, desc[1]: true}
	for _, d := range want {
		if !seen[d] {
			t.Errorf("missing description %q in %v", d, desc)
		}
	}
	if canonicalID == "" {
		t.Error("canonical id not assigned on create")
	}

	if stats.EntitiesNew != 1 || stats.EntitiesExisting != 1 {
		t.Errorf("stats = new %d existing %d, want 1/1", stats.EntitiesNew, stats.EntitiesExisting)
	}
	if !mem.Mentions("c1", LabelActor, "Tom Hardy") || !mem.Mentions("c2", LabelActor, "Tom Hardy") {
		t.Error("MENTIONS edges missing")
	}
}

func TestWriterReplayIsIdempotent(t *testing.T) {
	mem := NewMemory()
	chunks := []chunker.Chunk{
		testChunk("c1",
			[]chunker.Entity{
				{Name: "Cobb", Type: "MOVIE_CHARACTER", Description: "extractor"},
				{Name: "Mal", Type: "MOVIE_CHARACTER", Description: "projection"},
			},
			[]chunker.Relationship{
				{SourceName: "Cobb", SourceType: "MOVIE_CHARACTER", TargetName: "Mal", TargetType: "MOVIE_CHARACTER", Description: "spouse", Strength: 9},
			}),
	}

	runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, chunks)
	second := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, chunks)

	if second.EntitiesNew != 0 || second.RelationshipsNew != 0 {
		t.Errorf("replay created new records: %+v", second)
	}
	desc, strength, ok := mem.Relationship(
		Endpoint{Name: "Cobb", Label: LabelCharacter},
		Endpoint{Name: "Mal", Label: LabelCharacter})
	if !ok {
		t.Fatal("edge missing")
	}
	if !reflect.DeepEqual(desc, []string{"spouse"}) {
		t.Errorf("edge descriptions = %v, want [spouse]", desc)
	}
	if strength != 9 {
		t.Errorf("strength = %v, want 9", strength)
	}
}

func TestWriterEdgeDedupBothOrientations(t *testing.T) {
	mem := NewMemory()

	// Two chunks submit the same pair in opposite orientations.
	chunks := []chunker.Chunk{
		testChunk("c1",
			[]chunker.Entity{
				{Name: "Cobb", Type: "MOVIE_CHARACTER", Description: "extractor"},
				{Name: "Mal", Type: "MOVIE_CHARACTER", Description: "projection"},
			},
			[]chunker.Relationship{
				{SourceName: "Cobb", SourceType: "MOVIE_CHARACTER", TargetName: "Mal", TargetType: "MOVIE_CHARACTER", Description: "spouse", Strength: 8},
			}),
		testChunk("c2",
			[]chunker.Entity{
				{Name: "Cobb", Type: "MOVIE_CHARACTER", Description: "dreamer"},
				{Name: "Mal", Type: "MOVIE_CHARACTER", Description: "shade"},
			},
			[]chunker.Relationship{
				{SourceName: "Mal", SourceType: "MOVIE_CHARACTER", TargetName: "Cobb", TargetType: "MOVIE_CHARACTER", Description: "spouse", Strength: 9},
			}),
	}

	runWriter(t, mem, WriterConfig{NodeWorkers: 4, EdgeWorkers: 2, RetryBase: time.Millisecond}, chunks)

	if mem.EdgeCount() != 1 {
		t.Fatalf("edge count = %d, want exactly 1", mem.EdgeCount())
	}
	desc, strength, _ := mem.Relationship(
		Endpoint{Name: "Mal", Label: LabelCharacter},
		Endpoint{Name: "Cobb", Label: LabelCharacter})
	if !reflect.DeepEqual(desc, []string{"spouse"}) {
		t.Errorf("descriptions = %v, want [spouse]", desc)
	}
	if strength != 9 {
		t.Errorf("strength = %v, want max 9", strength)
	}
}

func TestWriterConflictRetry(t *testing.T) {
	mem := NewMemory()

	// Fail the first two entity writes with a conflict, then succeed.
	var failures int32
	mem.ConflictHook = func(op, key string) error {
		if op == "entity" && atomic.AddInt32(&failures, 1) <= 2 {
			return ConcurrentModificationError(key)
		}
		return nil
	}

	chunks := []chunker.Chunk{
		testChunk("c1", []chunker.Entity{
			{Name: "Tom Hardy", Type: "ACTOR", Description: "played Eames"},
		}, nil),
	}
	stats := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, chunks)

	if _, _, _, ok := mem.Entity(LabelActor, "Tom Hardy"); !ok {
		t.Fatal("entity missing after conflict retries")
	}
	if stats.ChunksFailed != 0 {
		t.Errorf("chunks failed = %d, want 0", stats.ChunksFailed)
	}
}

func TestWriterConflictStormConverges(t *testing.T) {
	mem := NewMemory()

	// 10 hot entities shared by many chunks; every write has a 30%
	// chance of conflicting until it has failed three times.
	var mu sync.Mutex
	failCount := make(map[string]int)
	mem.ConflictHook = func(op, key string) error {
		mu.Lock()
		defer mu.Unlock()
		if failCount[key] < 3 && len(key)%3 == 0 {
			failCount[key]++
			return ConcurrentModificationError(key)
		}
		return nil
	}

	hotNames := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	var chunks []chunker.Chunk
	for i := 0; i < 40; i++ {
		name := hotNames[i%len(hotNames)]
		other := hotNames[(i+1)%len(hotNames)]
		chunks = append(chunks, testChunk(
			"c"+string(rune('a'+i%26))+string(rune('a'+i/26)),
			[]chunker.Entity{
				{Name: name, Type: "ACTOR", Description: "desc " + name},
				{Name: other, Type: "ACTOR", Description: "desc " + other},
			},
			[]chunker.Relationship{
				{SourceName: name, SourceType: "ACTOR", TargetName: other, TargetType: "ACTOR", Description: "costar", Strength: 5},
			}))
	}

	stats := runWriter(t, mem, WriterConfig{NodeWorkers: 20, EdgeWorkers: 1, RetryBase: time.Millisecond, DrainPause: time.Millisecond}, chunks)

	if stats.ChunksFailed != 0 {
		t.Errorf("chunks failed = %d, want 0 within drain rounds", stats.ChunksFailed)
	}
	// Pair-count assertion: exactly one edge per unordered hot pair.
	if mem.EdgeCount() != len(hotNames) {
		t.Errorf("edge count = %d, want %d (one per pair)", mem.EdgeCount(), len(hotNames))
	}
}

func TestWriterNonConflictErrorGoesToFailureQueue(t *testing.T) {
	mem := NewMemory()
	mem.ConflictHook = func(op, key string) error {
		if op == "provenance" {
			return context.DeadlineExceeded
		}
		return nil
	}

	chunks := []chunker.Chunk{testChunk("c1", nil, nil)}
	stats := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond, DrainPause: time.Millisecond}, chunks)

	if stats.ChunksFailed != 1 {
		t.Errorf("chunks failed = %d, want 1", stats.ChunksFailed)
	}
	if stats.FailureReasons["error"] == 0 {
		t.Errorf("failure reasons = %v, want error counted", stats.FailureReasons)
	}
}

func TestWriterEmptyChunk(t *testing.T) {
	mem := NewMemory()
	stats := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, []chunker.Chunk{testChunk("c1", nil, nil)})

	if stats.EntitiesNew != 0 || stats.RelationshipsNew != 0 || stats.ChunksFailed != 0 {
		t.Errorf("empty chunk stats = %+v, want zeros", stats)
	}
	if stats.ChunksProcessed != 1 {
		t.Errorf("chunks processed = %d, want 1", stats.ChunksProcessed)
	}
}

func TestWriterResolvesThroughResolutionMap(t *testing.T) {
	mem := NewMemory()

	chunk := testChunk("c1",
		[]chunker.Entity{
			{Name: "디카프리오", Type: "ACTOR", Description: "starred"},
		},
		[]chunker.Relationship{
			{SourceName: "디카프리오", SourceType: "ACTOR", TargetName: "Cobb", TargetType: "MOVIE_CHARACTER", Description: "plays", Strength: 9},
		})
	chunk.Resolution = map[string]chunker.Resolution{
		"디카프리오": {
			Description:  "디카프리오 -> Leonardo DiCaprio",
			ResolvedName: "Leonardo DiCaprio",
			EntityType:   "ACTOR",
			Matched:      true,
			MatchType:    "synonym_exact",
		},
	}
	// Cobb is absent from the map and falls through as its surface name.
	runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, []chunker.Chunk{chunk})

	if _, _, _, ok := mem.Entity(LabelActor, "Leonardo DiCaprio"); !ok {
		t.Error("canonical node missing")
	}
	if _, _, _, ok := mem.Entity(LabelActor, "디카프리오"); ok {
		t.Error("surface-name node should not exist after resolution")
	}
	if _, _, ok := mem.Relationship(
		Endpoint{Name: "Leonardo DiCaprio", Label: LabelActor},
		Endpoint{Name: "Cobb", Label: LabelCharacter}); !ok {
		t.Error("edge endpoints not canonicalized")
	}
}

func TestWriterSkipsUnknownLabels(t *testing.T) {
	mem := NewMemory()
	chunks := []chunker.Chunk{
		testChunk("c1", []chunker.Entity{
			{Name: "Something", Type: "SPACESHIP", Description: "x"},
			{Name: "", Type: "ACTOR", Description: "y"},
		}, nil),
	}
	stats := runWriter(t, mem, WriterConfig{RetryBase: time.Millisecond}, chunks)

	if stats.EntitiesNew != 0 {
		t.Errorf("entities new = %d, want 0", stats.EntitiesNew)
	}
	if stats.ChunksFailed != 0 {
		t.Errorf("chunks failed = %d, want 0 (skip, never crash)", stats.ChunksFailed)
	}
}
