package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseTranscriptName(t *testing.T) {
	tests := []struct {
		name         string
		wantMovie    string
		wantReviewer string
		wantOK       bool
	}{
		{"인셉션+김평론.txt", "인셉션", "김평론", true},
		{"암살+이동진.pdf", "암살", "이동진", true},
		{"la+la+land+critic7.txt", "la la land", "critic7", true},
		{"noplus.txt", "", "", false},
		{"+reviewer.txt", "", "", false},
		{"movie+.txt", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			movie, reviewer, ok := ParseTranscriptName(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if movie != tt.wantMovie || reviewer != tt.wantReviewer {
				t.Errorf("got (%q, %q), want (%q, %q)", movie, reviewer, tt.wantMovie, tt.wantReviewer)
			}
		})
	}
}

func TestSplitSynonyms(t *testing.T) {
	tests := []struct {
		cell string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"디카프리오", []string{"디카프리오"}},
		{"레오나르도 디카프리오, 디카프리오", []string{"레오나르도 디카프리오", "디카프리오"}},
		{"a; b | c", []string{"a", "b", "c"}},
		{",,a,", []string{"a"}},
	}

	for _, tt := range tests {
		got := splitSynonyms(tt.cell)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitSynonyms(%q) = %v, want %v", tt.cell, got, tt.want)
		}
	}
}

func TestLoadMoviesCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "movies.csv")

	// Leading BOM mimics spreadsheet exports.
	content := "\xEF\xBB\xBFTitle,Synonym,Year,Synopsis\n" +
		"인셉션,\"Inception, 인셉숀\",2010,꿈속의 꿈\n" +
		"암살,Assassination,2015,일제강점기 암살 작전\n" +
		",ignored,2000,missing title\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	movies, err := LoadMovies(path)
	if err != nil {
		t.Fatalf("LoadMovies: %v", err)
	}
	if len(movies) != 2 {
		t.Fatalf("got %d movies, want 2", len(movies))
	}

	first := movies[0]
	if first.Title != "인셉션" || first.Year != "2010" {
		t.Errorf("unexpected first movie: %+v", first)
	}
	if !reflect.DeepEqual(first.Synonyms, []string{"Inception", "인셉숀"}) {
		t.Errorf("synonyms = %v", first.Synonyms)
	}
}

func TestLoadReviewersJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reviewers.json")

	content := `[
		{"Reviewers": "이동진", "Synonym": ["동진", "빨간안경"]},
		{"Reviewers": "김혜리", "Synonym": "혜리"},
		{"Reviewers": ""}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	reviewers, err := LoadReviewers(path)
	if err != nil {
		t.Fatalf("LoadReviewers: %v", err)
	}
	if len(reviewers) != 2 {
		t.Fatalf("got %d reviewers, want 2", len(reviewers))
	}
	if !reflect.DeepEqual(reviewers[0].Synonyms, []string{"동진", "빨간안경"}) {
		t.Errorf("synonyms = %v", reviewers[0].Synonyms)
	}
}

func TestLoadCastKoreanHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cast.csv")

	content := "배우,역할,영화\n" +
		"전지현,안옥윤,암살\n" +
		"이정재,염석진,암살\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cast, err := LoadCast(path)
	if err != nil {
		t.Fatalf("LoadCast: %v", err)
	}
	if len(cast) != 2 {
		t.Fatalf("got %d cast rows, want 2", len(cast))
	}
	if cast[0].Actor != "전지현" || cast[0].Character != "안옥윤" || cast[0].Movie != "암살" {
		t.Errorf("unexpected cast row: %+v", cast[0])
	}
}

func TestMovieContext(t *testing.T) {
	c := &Catalog{
		Movies: []Movie{
			{Title: "암살", Synonyms: []string{"Assassination"}, Year: "2015", Synopsis: "일제강점기 암살 작전"},
		},
		Cast: []CastMember{
			{Actor: "전지현", Character: "안옥윤", Movie: "암살"},
			{Actor: "다른배우", Character: "다른역", Movie: "다른영화"},
		},
		Staff: []Staff{
			{Name: "최동훈", Role: "감독"},
		},
	}

	ctx := c.MovieContext("암살", "이동진")
	for _, want := range []string{"암살", "Assassination", "2015", "전지현 as 안옥윤", "최동훈 (감독)", "이동진"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}
	if strings.Contains(ctx, "다른배우") {
		t.Errorf("context should not include cast from other movies:\n%s", ctx)
	}

	// Synonym lookup resolves to the same movie.
	bySyn := c.MovieContext("Assassination", "")
	if !strings.Contains(bySyn, "암살") {
		t.Errorf("synonym lookup failed:\n%s", bySyn)
	}

	// Unknown movies still produce a minimal context.
	unknown := c.MovieContext("미지의영화", "기자")
	if !strings.Contains(unknown, "미지의영화") || !strings.Contains(unknown, "기자") {
		t.Errorf("minimal context wrong:\n%s", unknown)
	}
}

func TestListTranscripts(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"암살+이동진.txt",
		"인셉션+김평론.txt",
		"no-provenance.txt",
		"skip.md",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("리뷰 본문"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ListTranscripts(dir)
	if err != nil {
		t.Fatalf("ListTranscripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transcripts, want 2: %+v", len(got), got)
	}
	// Sorted by path.
	if got[0].Movie != "암살" || got[1].Movie != "인셉션" {
		t.Errorf("unexpected order: %+v", got)
	}
}
