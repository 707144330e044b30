package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Search types the agents can ask for. Each shapes the query sent to
// the search API.
const (
	SearchRecent = "recent"
	SearchAwards = "awards"
	SearchNews   = "news"
)

// WebSearchConfig configures the web search client. An empty APIKey
// disables the tool.
type WebSearchConfig struct {
	APIKey  string
	BaseURL string
}

// WebResult is one web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WebSearcher queries an external search API for fresh facts the
// graph cannot hold (recent activity, awards, news).
type WebSearcher struct {
	cfg    WebSearchConfig
	client *http.Client
}

// NewWebSearcher creates the search client. Returns nil when no API
// key is configured; callers treat a nil searcher as tool-disabled.
func NewWebSearcher(cfg WebSearchConfig) *WebSearcher {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tavily.com"
	}
	return &WebSearcher{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Search runs one query for an entity. searchType selects the angle;
// unknown values fall back to a plain entity query.
func (w *WebSearcher) Search(ctx context.Context, entity, searchType string) ([]WebResult, error) {
	query := entity
	switch searchType {
	case SearchRecent:
		query = entity + " 최근 활동"
	case SearchAwards:
		query = entity + " 수상 경력"
	case SearchNews:
		query = entity + " 뉴스"
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":     w.cfg.APIKey,
		"query":       query,
		"max_results": 3,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.cfg.BaseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("web search failed %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Results []WebResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return parsed.Results, nil
}

// formatWebResults renders hits for inclusion in an agent prompt.
func formatWebResults(results []WebResult) string {
	if len(results) == 0 {
		return "no results"
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(r.Title)
		if r.Content != "" {
			b.WriteString(": ")
			b.WriteString(r.Content)
		}
		if r.URL != "" {
			b.WriteString(" (")
			b.WriteString(r.URL)
			b.WriteString(")")
		}
	}
	return b.String()
}
