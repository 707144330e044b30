package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func seedEntities(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(4)
	ctx := context.Background()

	entities := []EntityRecord{
		{Name: "Leonardo DiCaprio", EntityType: "ACTOR",
			Synonyms: []string{"디카프리오", "레오나르도 디카프리오", "레오"}},
		{Name: "인셉션", EntityType: "MOVIE", Synonyms: []string{"Inception"}},
		{Name: "이동진", EntityType: "REVIEWER"},
	}
	for _, e := range entities {
		if err := m.PutEntity(ctx, EntityDocID(e.Name, e.EntityType), e); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestFindCanonicalNameExact(t *testing.T) {
	m := seedEntities(t)
	res, err := m.FindCanonical(context.Background(), "Leonardo DiCaprio", "ACTOR")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched || res.MatchType != MatchNameExact || res.Canonical != "Leonardo DiCaprio" {
		t.Errorf("resolution = %+v", res)
	}
}

func TestFindCanonicalSynonymExact(t *testing.T) {
	m := seedEntities(t)
	res, err := m.FindCanonical(context.Background(), "디카프리오", "ACTOR")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched || res.MatchType != MatchSynonymExact {
		t.Errorf("resolution = %+v", res)
	}
	if res.Canonical != "Leonardo DiCaprio" {
		t.Errorf("canonical = %q, want Leonardo DiCaprio", res.Canonical)
	}
}

func TestFindCanonicalNotFound(t *testing.T) {
	m := seedEntities(t)
	res, err := m.FindCanonical(context.Background(), "Unknown Person", "ACTOR")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched || res.MatchType != MatchNotFound {
		t.Errorf("resolution = %+v", res)
	}
	// Unresolved surfaces pass through unchanged.
	if res.Canonical != "Unknown Person" {
		t.Errorf("canonical = %q, want input back", res.Canonical)
	}
}

func TestFindCanonicalTypeFiltered(t *testing.T) {
	m := seedEntities(t)
	// The name exists, but as an ACTOR, not a MOVIE.
	res, err := m.FindCanonical(context.Background(), "Leonardo DiCaprio", "MOVIE")
	if err != nil {
		t.Fatal(err)
	}
	if res.Matched {
		t.Errorf("expected type-filtered miss, got %+v", res)
	}
}

func TestFindCanonicalEmptyInputs(t *testing.T) {
	m := seedEntities(t)
	for _, tt := range []struct{ name, entityType string }{
		{"", "ACTOR"}, {"디카프리오", ""}, {"  ", "ACTOR"},
	} {
		res, err := m.FindCanonical(context.Background(), tt.name, tt.entityType)
		if err != nil {
			t.Fatal(err)
		}
		if res.Matched || res.MatchType != MatchNotFound {
			t.Errorf("FindCanonical(%q, %q) = %+v, want not_found", tt.name, tt.entityType, res)
		}
	}
}

func TestLookupExactRequiresStoredNameEquality(t *testing.T) {
	m := seedEntities(t)
	ctx := context.Background()

	rec, err := m.LookupExact(ctx, "Leonardo DiCaprio", "ACTOR", PublishMinScore)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Name != "Leonardo DiCaprio" {
		t.Errorf("rec = %+v", rec)
	}

	// A synonym hit does not satisfy the publish verify.
	rec, err = m.LookupExact(ctx, "디카프리오", "ACTOR", PublishMinScore)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("synonym surface should not verify, got %+v", rec)
	}
}

func TestLookupExactMinScore(t *testing.T) {
	m := seedEntities(t)
	rec, err := m.LookupExact(context.Background(), "Leonardo DiCaprio", "ACTOR", exactScore+1)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("hit below min score should be nil, got %+v", rec)
	}
}

func TestMergeSynonymSets(t *testing.T) {
	tests := []struct {
		name string
		sets [][]string
		want []string
	}{
		{"dedup and sort", [][]string{{"b", "a"}, {"a", "c"}}, []string{"a", "b", "c"}},
		{"strips whitespace", [][]string{{" 레오 ", "디카프리오"}}, []string{"디카프리오", "레오"}},
		{"drops empties", [][]string{{"", "  ", "x"}}, []string{"x"}},
		{"all empty", [][]string{{""}, nil}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeSynonymSets(tt.sets...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MergeSynonymSets(%v) = %v, want %v", tt.sets, got, tt.want)
			}
		})
	}
}

func TestMergeSynonymSetsAssociative(t *testing.T) {
	a := []string{"디카프리오", "레오"}
	b := []string{"레오나르도", "디카프리오"}
	c := []string{"Leo", "레오"}

	left := MergeSynonymSets(MergeSynonymSets(a, b), c)
	right := MergeSynonymSets(a, MergeSynonymSets(b, c))
	if !reflect.DeepEqual(left, right) {
		t.Errorf("merge not associative: %v vs %v", left, right)
	}
}

func TestMergeSynonymsOnRecord(t *testing.T) {
	m := seedEntities(t)
	ctx := context.Background()
	id := EntityDocID("인셉션", "MOVIE")

	if err := m.MergeSynonyms(ctx, id, []string{"인셉숀", "Inception"}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Inception", "인셉숀"}
	if !reflect.DeepEqual(rec.Synonyms, want) {
		t.Errorf("synonyms = %v, want %v", rec.Synonyms, want)
	}

	if err := m.MergeSynonyms(ctx, "missing_MOVIE", []string{"x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPutEntityDimensionCheck(t *testing.T) {
	m := NewMemory(4)
	err := m.PutEntity(context.Background(), "x_ACTOR", EntityRecord{
		Name: "x", EntityType: "ACTOR", SummaryVec: []float32{1, 2, 3},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearchChunksKNNOrdersByDistance(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	chunks := map[string][]float32{
		"far":     {10, 10},
		"near":    {1, 1},
		"nearest": {0, 0.5},
	}
	for id, vec := range chunks {
		if err := m.PutChunk(ctx, id, ChunkRecord{Context: id, ContextVec: vec}); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := m.SearchChunksKNN(ctx, []float32{0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].DocID != "nearest" || hits[1].DocID != "near" {
		t.Errorf("hits = %+v", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v, %v", hits[0].Score, hits[1].Score)
	}
}

func TestValidateIndicesAfterDelete(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	if err := m.ValidateIndices(ctx); err != nil {
		t.Fatalf("fresh memory backend should validate: %v", err)
	}
	if err := m.DeleteIndices(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.ValidateIndices(ctx); !errors.Is(err, ErrIndexMissing) {
		t.Errorf("err = %v, want ErrIndexMissing", err)
	}
	if err := m.EnsureIndices(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := m.ValidateIndices(ctx); err != nil {
		t.Errorf("after ensure: %v", err)
	}
}
