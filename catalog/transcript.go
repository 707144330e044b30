package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Transcript is one review source file with its decoded provenance.
type Transcript struct {
	Path     string
	Movie    string
	Reviewer string
}

// transcript extensions picked up from the review directory.
var transcriptExts = map[string]bool{
	".txt": true,
	".pdf": true,
}

// ListTranscripts scans dir for review transcripts and decodes their
// provenance from the filename. The convention is
// "<movie>+<reviewer>.<ext>": '+' separates segments, the last segment
// is the reviewer, and a movie title containing spaces encodes them as
// additional '+' segments. Files with no '+' are skipped with no error;
// they carry no provenance and cannot enter the graph.
func ListTranscripts(dir string) ([]Transcript, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading review dir %s: %w", dir, err)
	}

	var transcripts []Transcript
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !transcriptExts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		movie, reviewer, ok := ParseTranscriptName(name)
		if !ok {
			continue
		}
		transcripts = append(transcripts, Transcript{
			Path:     filepath.Join(dir, name),
			Movie:    movie,
			Reviewer: reviewer,
		})
	}

	sort.Slice(transcripts, func(i, j int) bool { return transcripts[i].Path < transcripts[j].Path })
	return transcripts, nil
}

// ParseTranscriptName decodes "<movie>+<reviewer>.<ext>". Extra '+'
// segments before the last belong to the movie title and become spaces.
func ParseTranscriptName(name string) (movie, reviewer string, ok bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	segments := strings.Split(stem, "+")
	if len(segments) < 2 {
		return "", "", false
	}
	reviewer = strings.TrimSpace(segments[len(segments)-1])
	movie = strings.TrimSpace(strings.Join(segments[:len(segments)-1], " "))
	if movie == "" || reviewer == "" {
		return "", "", false
	}
	return movie, reviewer, true
}

// ReadTranscript returns the full text of a transcript, extracting plain
// text from PDFs page by page.
func ReadTranscript(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return readPDFText(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// readPDFText extracts the plain text of every page. Pages that fail to
// extract are skipped; an entirely empty result is an error so the caller
// does not silently chunk nothing.
func readPDFText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("no extractable text in %s", path)
	}
	return b.String(), nil
}
