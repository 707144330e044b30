package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jhyunlee/reelgraph/catalog"
	"github.com/jhyunlee/reelgraph/graph"
	"github.com/jhyunlee/reelgraph/registry"
)

// ImportStats aggregates one catalog import run.
type ImportStats struct {
	Movies     int `json:"movies"`
	Reviewers  int `json:"reviewers"`
	Actors     int `json:"actors"`
	Characters int `json:"characters"`
	Staff      int `json:"staff"`
	Failed     int `json:"failed"`
}

// seed is one catalog-derived entity record before embedding.
type seed struct {
	name     string
	label    string
	synonyms []string
	summary  string
}

// ImportCatalogs seeds the entities index from the domain catalogs so
// resolution has canonical names and synonym sets before the first
// extraction run. Documents are keyed {name}_{LABEL}; re-imports merge
// synonyms instead of clobbering them.
func (p *Publisher) ImportCatalogs(ctx context.Context, cat *catalog.Catalog) (*ImportStats, error) {
	seeds := catalogSeeds(cat)

	slog.Info("publish: importing catalogs", "entities", len(seeds), "workers", p.workers)
	start := time.Now()

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		sem   = make(chan struct{}, p.workers)
		stats ImportStats
	)
	for _, s := range seeds {
		wg.Add(1)
		go func(s seed) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := p.importSeed(ctx, s)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				slog.Warn("publish: catalog entity failed",
					"name", s.name, "label", s.label, "error", err)
				return
			}
			switch s.label {
			case graph.LabelMovie:
				stats.Movies++
			case graph.LabelReviewer:
				stats.Reviewers++
			case graph.LabelActor:
				stats.Actors++
			case graph.LabelCharacter:
				stats.Characters++
			case graph.LabelStaff:
				stats.Staff++
			}
		}(s)
	}
	wg.Wait()

	if err := p.registry.Refresh(ctx); err != nil {
		slog.Warn("publish: refresh failed", "error", err)
	}
	slog.Info("publish: catalog import done",
		"movies", stats.Movies, "reviewers", stats.Reviewers,
		"actors", stats.Actors, "characters", stats.Characters,
		"staff", stats.Staff, "failed", stats.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return &stats, nil
}

func (p *Publisher) importSeed(ctx context.Context, s seed) error {
	vec, err := p.embedOne(ctx, s.summary)
	if err != nil {
		return err
	}

	id := registry.EntityDocID(s.name, s.label)
	existing, err := p.registry.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("checking %q: %w", id, err)
	}

	synonyms := s.synonyms
	if existing != nil {
		synonyms = registry.MergeSynonymSets(existing.Synonyms, s.synonyms)
	}
	err = p.registry.PutEntity(ctx, id, registry.EntityRecord{
		Name:       s.name,
		EntityType: s.label,
		Synonyms:   synonyms,
		Summary:    s.summary,
		SummaryVec: vec,
	})
	if err != nil {
		return fmt.Errorf("importing %q: %w", id, err)
	}
	return nil
}

// catalogSeeds flattens the catalogs into entity seeds, one per
// distinct (name, label). Actors spanning several movies collapse into
// one seed with the role sentences joined.
func catalogSeeds(cat *catalog.Catalog) []seed {
	var out []seed
	index := make(map[string]int)

	add := func(s seed) {
		key := registry.EntityDocID(s.name, s.label)
		if i, ok := index[key]; ok {
			prev := &out[i]
			prev.synonyms = registry.MergeSynonymSets(prev.synonyms, s.synonyms)
			if s.summary != "" && !strings.Contains(prev.summary, s.summary) {
				prev.summary += " " + s.summary
			}
			return
		}
		index[key] = len(out)
		out = append(out, s)
	}

	for _, m := range cat.Movies {
		summary := fmt.Sprintf("%s is a film", m.Title)
		if m.Year != "" {
			summary += " released in " + m.Year
		}
		summary += "."
		if m.Synopsis != "" {
			summary += " " + m.Synopsis
		}
		add(seed{name: m.Title, label: graph.LabelMovie, synonyms: m.Synonyms, summary: summary})
	}

	for _, r := range cat.Reviewers {
		add(seed{
			name:     r.Name,
			label:    graph.LabelReviewer,
			synonyms: r.Synonyms,
			summary:  fmt.Sprintf("%s is a film reviewer.", r.Name),
		})
	}

	for _, c := range cat.Cast {
		if c.Actor == "" {
			continue
		}
		actorSummary := fmt.Sprintf("%s is an actor.", c.Actor)
		if c.Character != "" && c.Movie != "" {
			actorSummary = fmt.Sprintf("%s played %s in %s.", c.Actor, c.Character, c.Movie)
		}
		add(seed{name: c.Actor, label: graph.LabelActor, summary: actorSummary})

		if c.Character != "" {
			charSummary := fmt.Sprintf("%s is a character", c.Character)
			if c.Movie != "" {
				charSummary += " in " + c.Movie
			}
			charSummary += fmt.Sprintf(", played by %s.", c.Actor)
			add(seed{name: c.Character, label: graph.LabelCharacter, summary: charSummary})
		}
	}

	for _, s := range cat.Staff {
		summary := fmt.Sprintf("%s is film staff.", s.Name)
		if s.Role != "" {
			summary = fmt.Sprintf("%s works as %s.", s.Name, s.Role)
		}
		add(seed{name: s.Name, label: graph.LabelStaff, synonyms: s.Synonyms, summary: summary})
	}

	return out
}
