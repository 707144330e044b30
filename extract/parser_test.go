package extract

import (
	"reflect"
	"testing"

	"github.com/jhyunlee/reelgraph/chunker"
)

func TestParseEntityAndRelationshipRecords(t *testing.T) {
	raw := `("entity"|Leonardo DiCaprio|ACTOR|Plays the lead role of Cobb)##
("entity"|Cobb|MOVIE_CHARACTER|A dream extractor)##
("relationship"|Leonardo DiCaprio|ACTOR|Cobb|MOVIE_CHARACTER|DiCaprio portrays Cobb|9)##
<END>`

	entities, relationships := Parse(raw)

	wantEntities := []chunker.Entity{
		{Name: "Leonardo DiCaprio", Type: "ACTOR", Description: "Plays the lead role of Cobb"},
		{Name: "Cobb", Type: "MOVIE_CHARACTER", Description: "A dream extractor"},
	}
	if !reflect.DeepEqual(entities, wantEntities) {
		t.Errorf("entities = %+v, want %+v", entities, wantEntities)
	}

	wantRels := []chunker.Relationship{
		{SourceName: "Leonardo DiCaprio", SourceType: "ACTOR", TargetName: "Cobb",
			TargetType: "MOVIE_CHARACTER", Description: "DiCaprio portrays Cobb", Strength: 9},
	}
	if !reflect.DeepEqual(relationships, wantRels) {
		t.Errorf("relationships = %+v, want %+v", relationships, wantRels)
	}
}

func TestParseLegacyRelationshipForm(t *testing.T) {
	raw := `("relationship";Cobb;Mal;husband and wife;8.5)`

	_, relationships := Parse(raw)
	if len(relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(relationships))
	}
	r := relationships[0]
	if r.SourceName != "Cobb" || r.TargetName != "Mal" {
		t.Errorf("endpoints = %q, %q", r.SourceName, r.TargetName)
	}
	if r.SourceType != "" || r.TargetType != "" {
		t.Errorf("legacy form should have empty types, got %q, %q", r.SourceType, r.TargetType)
	}
	if r.Strength != 8.5 {
		t.Errorf("strength = %v, want 8.5", r.Strength)
	}
}

func TestParseStrengthCoercion(t *testing.T) {
	tests := []struct {
		token string
		want  any
	}{
		{"9", 9},
		{"9.0", 9},
		{"7.5", 7.5},
		{"strong", "strong"},
	}
	for _, tt := range tests {
		raw := `("relationship"|A|ACTOR|B|MOVIE|likes|` + tt.token + `)`
		_, rels := Parse(raw)
		if len(rels) != 1 {
			t.Fatalf("token %q: no relationship parsed", tt.token)
		}
		if !reflect.DeepEqual(rels[0].Strength, tt.want) {
			t.Errorf("token %q: strength = %#v, want %#v", tt.token, rels[0].Strength, tt.want)
		}
	}
}

func TestParseSkipsMalformedRecords(t *testing.T) {
	raw := `("entity"|Tom Hardy|ACTOR|played Eames)##
garbage that is not a record##
("entity"|only two fields)##
("relationship"|A|B)##
("entity"|Mal|MOVIE_CHARACTER|the projection)##
<END>`

	entities, relationships := Parse(raw)
	if len(entities) != 2 {
		t.Errorf("entities = %d, want 2 (malformed skipped)", len(entities))
	}
	if len(relationships) != 0 {
		t.Errorf("relationships = %d, want 0", len(relationships))
	}
	// Order within the chunk is preserved.
	if entities[0].Name != "Tom Hardy" || entities[1].Name != "Mal" {
		t.Errorf("order not preserved: %+v", entities)
	}
}

func TestParseEmptyAndWhitespace(t *testing.T) {
	for _, raw := range []string{"", "   ", "<END>", "\n\n<END>"} {
		entities, relationships := Parse(raw)
		if len(entities) != 0 || len(relationships) != 0 {
			t.Errorf("Parse(%q) = %v, %v, want empty", raw, entities, relationships)
		}
	}
}

func TestParseNewlineDelimitedRecords(t *testing.T) {
	// Without "##" or "|", records split on newlines and tuples on
	// semicolons.
	raw := "(\"entity\";전지현;ACTOR;암살에서 안옥윤 역)\n(\"entity\";안옥윤;MOVIE_CHARACTER;저격수)"

	entities, _ := Parse(raw)
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	if entities[0].Name != "전지현" || entities[1].Name != "안옥윤" {
		t.Errorf("entities = %+v", entities)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	entities := []chunker.Entity{
		{Name: "Leonardo DiCaprio", Type: "ACTOR", Description: "lead actor"},
		{Name: "인셉션", Type: "MOVIE", Description: "2010 dream heist film"},
	}
	relationships := []chunker.Relationship{
		{SourceName: "Leonardo DiCaprio", SourceType: "ACTOR", TargetName: "인셉션",
			TargetType: "MOVIE", Description: "stars in", Strength: 10},
		{SourceName: "Cobb", SourceType: "MOVIE_CHARACTER", TargetName: "Mal",
			TargetType: "MOVIE_CHARACTER", Description: "married to", Strength: 7.5},
	}

	gotEntities, gotRels := Parse(Render(entities, relationships))
	if !reflect.DeepEqual(gotEntities, entities) {
		t.Errorf("entities round trip = %+v, want %+v", gotEntities, entities)
	}
	if !reflect.DeepEqual(gotRels, relationships) {
		t.Errorf("relationships round trip = %+v, want %+v", gotRels, relationships)
	}
}
