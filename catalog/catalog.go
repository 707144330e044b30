// Package catalog loads the structured domain catalogs (movies, reviewers,
// cast, staff) and the raw review transcripts that feed the pipeline.
// Catalogs arrive as CSV, JSON, or XLSX files; the loader is picked by
// file extension so either variant of the source data works unchanged.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Movie is one row of the movie catalog.
type Movie struct {
	Title    string   `json:"title"`
	Synonyms []string `json:"synonyms"`
	Year     string   `json:"year"`
	Synopsis string   `json:"synopsis"`
}

// Reviewer is one row of the reviewer catalog.
type Reviewer struct {
	Name     string   `json:"name"`
	Synonyms []string `json:"synonyms"`
}

// CastMember links an actor to the character they played in a movie.
type CastMember struct {
	Actor     string `json:"actor"`
	Character string `json:"character"`
	Movie     string `json:"movie"`
}

// Staff is one row of the staff catalog (directors, writers, crew).
type Staff struct {
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Synonyms []string `json:"synonyms"`
}

// Catalog aggregates all loaded catalog files.
type Catalog struct {
	Movies    []Movie
	Reviewers []Reviewer
	Cast      []CastMember
	Staff     []Staff
}

// catalog file stems searched inside the catalog directory.
var (
	movieStems    = []string{"movies", "movie"}
	reviewerStems = []string{"reviewers", "reviewer"}
	castStems     = []string{"cast", "casting"}
	staffStems    = []string{"staff", "staffs"}
)

// supported catalog extensions, in lookup order.
var catalogExts = []string{".csv", ".json", ".xlsx"}

// LoadDir loads every catalog it can find under dir. Missing files are
// fine (an empty slice results); unreadable files are errors.
func LoadDir(dir string) (*Catalog, error) {
	c := &Catalog{}

	if path := findCatalogFile(dir, movieStems); path != "" {
		movies, err := LoadMovies(path)
		if err != nil {
			return nil, fmt.Errorf("loading movie catalog: %w", err)
		}
		c.Movies = movies
	}
	if path := findCatalogFile(dir, reviewerStems); path != "" {
		reviewers, err := LoadReviewers(path)
		if err != nil {
			return nil, fmt.Errorf("loading reviewer catalog: %w", err)
		}
		c.Reviewers = reviewers
	}
	if path := findCatalogFile(dir, castStems); path != "" {
		cast, err := LoadCast(path)
		if err != nil {
			return nil, fmt.Errorf("loading cast catalog: %w", err)
		}
		c.Cast = cast
	}
	if path := findCatalogFile(dir, staffStems); path != "" {
		staff, err := LoadStaff(path)
		if err != nil {
			return nil, fmt.Errorf("loading staff catalog: %w", err)
		}
		c.Staff = staff
	}

	return c, nil
}

func findCatalogFile(dir string, stems []string) string {
	for _, stem := range stems {
		for _, ext := range catalogExts {
			path := filepath.Join(dir, stem+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// LoadMovies reads a movie catalog file, dispatching on extension.
func LoadMovies(path string) ([]Movie, error) {
	rows, err := loadRows(path)
	if err != nil {
		return nil, err
	}
	movies := make([]Movie, 0, len(rows))
	for _, row := range rows {
		title := row.get("title")
		if title == "" {
			continue
		}
		movies = append(movies, Movie{
			Title:    title,
			Synonyms: splitSynonyms(row.get("synonym")),
			Year:     row.get("year"),
			Synopsis: row.get("synopsis"),
		})
	}
	return movies, nil
}

// LoadReviewers reads a reviewer catalog file.
func LoadReviewers(path string) ([]Reviewer, error) {
	rows, err := loadRows(path)
	if err != nil {
		return nil, err
	}
	reviewers := make([]Reviewer, 0, len(rows))
	for _, row := range rows {
		name := firstNonEmpty(row.get("reviewers"), row.get("reviewer"), row.get("name"))
		if name == "" {
			continue
		}
		reviewers = append(reviewers, Reviewer{
			Name:     name,
			Synonyms: splitSynonyms(row.get("synonym")),
		})
	}
	return reviewers, nil
}

// LoadCast reads a cast catalog file. The source data uses Korean column
// headers (배우/역할/영화); English equivalents are accepted too.
func LoadCast(path string) ([]CastMember, error) {
	rows, err := loadRows(path)
	if err != nil {
		return nil, err
	}
	cast := make([]CastMember, 0, len(rows))
	for _, row := range rows {
		actor := firstNonEmpty(row.get("배우"), row.get("actor"))
		if actor == "" {
			continue
		}
		cast = append(cast, CastMember{
			Actor:     actor,
			Character: firstNonEmpty(row.get("역할"), row.get("character"), row.get("role")),
			Movie:     firstNonEmpty(row.get("영화"), row.get("movie")),
		})
	}
	return cast, nil
}

// LoadStaff reads a staff catalog file.
func LoadStaff(path string) ([]Staff, error) {
	rows, err := loadRows(path)
	if err != nil {
		return nil, err
	}
	staff := make([]Staff, 0, len(rows))
	for _, row := range rows {
		name := row.get("name")
		if name == "" {
			continue
		}
		staff = append(staff, Staff{
			Name:     name,
			Role:     row.get("role"),
			Synonyms: splitSynonyms(row.get("synonym")),
		})
	}
	return staff, nil
}

// loadRows reads a tabular catalog file into header-keyed rows.
func loadRows(path string) ([]row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSVRows(path)
	case ".json":
		return loadJSONRows(path)
	case ".xlsx":
		return loadXLSXRows(path)
	default:
		return nil, fmt.Errorf("unsupported catalog format: %s", path)
	}
}

// row is one catalog record with case-folded header keys.
type row map[string]string

func (r row) get(key string) string {
	return strings.TrimSpace(r[strings.ToLower(key)])
}

func newRow(headers, values []string) row {
	r := make(row, len(headers))
	for i, h := range headers {
		if i >= len(values) {
			break
		}
		key := strings.ToLower(strings.TrimSpace(h))
		if key == "" {
			continue
		}
		r[key] = values[i]
	}
	return r
}

// splitSynonyms breaks a synonym cell into its parts. Cells hold zero or
// more surface forms separated by comma, semicolon, or '|'.
func splitSynonyms(cell string) []string {
	if strings.TrimSpace(cell) == "" {
		return nil
	}
	parts := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// MovieContext assembles the extraction-prompt context for one movie:
// title with synonyms and year, synopsis, cast, and staff, plus the
// reviewer writing the chunk. Unknown movies still yield a minimal
// context so extraction can proceed.
func (c *Catalog) MovieContext(title, reviewer string) string {
	var b strings.Builder

	movie := c.findMovie(title)
	if movie != nil {
		b.WriteString("Movie: ")
		b.WriteString(movie.Title)
		if len(movie.Synonyms) > 0 {
			b.WriteString(" (also known as: ")
			b.WriteString(strings.Join(movie.Synonyms, ", "))
			b.WriteString(")")
		}
		if movie.Year != "" {
			b.WriteString(", released ")
			b.WriteString(movie.Year)
		}
		b.WriteString("\n")
		if movie.Synopsis != "" {
			b.WriteString("Synopsis: ")
			b.WriteString(movie.Synopsis)
			b.WriteString("\n")
		}
	} else {
		b.WriteString("Movie: ")
		b.WriteString(title)
		b.WriteString("\n")
	}

	name := title
	if movie != nil {
		name = movie.Title
	}
	var castLines []string
	for _, cm := range c.Cast {
		if cm.Movie != "" && !equalFold(cm.Movie, name) && !equalFold(cm.Movie, title) {
			continue
		}
		line := cm.Actor
		if cm.Character != "" {
			line += " as " + cm.Character
		}
		castLines = append(castLines, line)
	}
	if len(castLines) > 0 {
		b.WriteString("Cast: ")
		b.WriteString(strings.Join(castLines, "; "))
		b.WriteString("\n")
	}

	var staffLines []string
	for _, s := range c.Staff {
		line := s.Name
		if s.Role != "" {
			line += " (" + s.Role + ")"
		}
		staffLines = append(staffLines, line)
	}
	if len(staffLines) > 0 {
		b.WriteString("Staff: ")
		b.WriteString(strings.Join(staffLines, "; "))
		b.WriteString("\n")
	}

	if reviewer != "" {
		b.WriteString("Reviewer: ")
		b.WriteString(reviewer)
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}

func (c *Catalog) findMovie(title string) *Movie {
	for i := range c.Movies {
		m := &c.Movies[i]
		if equalFold(m.Title, title) {
			return m
		}
		for _, syn := range m.Synonyms {
			if equalFold(syn, title) {
				return m
			}
		}
	}
	return nil
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
