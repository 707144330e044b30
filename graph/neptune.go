package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// NeptuneConfig configures the Neptune openCypher client.
type NeptuneConfig struct {
	Endpoint string // cluster endpoint host, no scheme
	Port     int    // default 8182
	Region   string

	// Static credentials override the default AWS chain when set.
	AccessKeyID     string
	SecretAccessKey string
}

// Neptune talks to an Amazon Neptune cluster over the openCypher HTTPS
// endpoint with SigV4-signed requests. Safe for concurrent use.
type Neptune struct {
	url    string
	region string
	creds  aws.CredentialsProvider
	signer *v4.Signer
	client *http.Client
}

// transport retry policy. Conflict errors are surfaced to the caller
// untouched; the writer owns that retry loop.
const (
	neptuneMaxRetries = 3
	neptuneRetryDelay = 1 * time.Second
)

// NewNeptune creates a Neptune graph store.
func NewNeptune(ctx context.Context, cfg NeptuneConfig) (*Neptune, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("neptune endpoint not configured")
	}
	port := cfg.Port
	if port == 0 {
		port = 8182
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return &Neptune{
		url:    fmt.Sprintf("https://%s:%d/openCypher", cfg.Endpoint, port),
		region: awsCfg.Region,
		creds:  awsCfg.Credentials,
		signer: v4.NewSigner(),
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Query executes an openCypher statement and returns the result rows.
func (n *Neptune) Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	form := url.Values{"query": {query}}
	if len(params) > 0 {
		paramJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding parameters: %w", err)
		}
		form.Set("parameters", string(paramJSON))
	}
	body := form.Encode()

	var lastErr error
	for attempt := 0; attempt <= neptuneMaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("neptune: retrying request", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(neptuneRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rows, retryable, err := n.doQuery(ctx, body)
		if err == nil {
			return rows, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("neptune: retries exhausted: %w", lastErr)
}

func (n *Neptune) doQuery(ctx context.Context, body string) (rows []map[string]any, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	sum := sha256.Sum256([]byte(body))
	creds, err := n.creds.Retrieve(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("retrieving aws credentials: %w", err)
	}
	if err := n.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]),
		"neptune-db", n.region, time.Now()); err != nil {
		return nil, false, fmt.Errorf("signing request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("neptune request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading neptune response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("neptune error %d: %s", resp.StatusCode, string(respBody))
		// Gateway-level failures are transport noise; everything else,
		// including ConcurrentModificationException, goes to the caller.
		retryable := resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout
		return nil, retryable, err
	}

	var parsed struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decoding neptune response: %w", err)
	}
	return parsed.Results, false, nil
}

// label guards against query injection: labels are interpolated into
// Cypher text, so only members of the closed set (plus the chunk
// label) are allowed through.
func label(l string) (string, error) {
	if l == LabelChunk || ValidLabel(l) {
		return l, nil
	}
	return "", fmt.Errorf("invalid node label %q", l)
}

func (n *Neptune) UpsertProvenance(ctx context.Context, movieID, reviewer, chunkID, text string) error {
	_, err := n.Query(ctx, `
		MERGE (m:MOVIE {name: $movie})
		MERGE (r:REVIEWER {name: $reviewer})
		MERGE (c:`+LabelChunk+` {id: $chunk_id})
		SET c.text = $text, c.neptune_id = $chunk_id
		MERGE (m)-[:`+RelHasChunk+`]->(c)
		MERGE (c)-[:`+RelWrittenBy+`]->(r)`,
		map[string]any{
			"movie": movieID, "reviewer": reviewer,
			"chunk_id": chunkID, "text": text,
		})
	return err
}

func (n *Neptune) UpsertEntity(ctx context.Context, lbl, name string, descriptions []string) (bool, error) {
	l, err := label(lbl)
	if err != nil {
		return false, err
	}

	rows, err := n.Query(ctx, `
		MATCH (e:`+l+` {name: $name})
		RETURN e.description AS description, e.neptune_id AS neptune_id`,
		map[string]any{"name": name})
	if err != nil {
		return false, err
	}

	existing := len(rows) > 0
	var existingDesc []string
	canonicalID := ""
	if existing {
		existingDesc = DecodeDescriptions(asString(rows[0]["description"]))
		canonicalID = asString(rows[0]["neptune_id"])
	}
	if canonicalID == "" {
		canonicalID = CanonicalID(name, l)
	}
	merged := MergeDescriptions(existingDesc, descriptions)

	_, err = n.Query(ctx, `
		MERGE (e:`+l+` {name: $name})
		SET e.description = $description, e.neptune_id = $neptune_id`,
		map[string]any{
			"name":        name,
			"description": EncodeDescriptions(merged),
			"neptune_id":  canonicalID,
		})
	return existing, err
}

func (n *Neptune) UpsertMentions(ctx context.Context, chunkID, name, lbl string) error {
	l, err := label(lbl)
	if err != nil {
		return err
	}
	_, err = n.Query(ctx, `
		MATCH (c:`+LabelChunk+` {id: $chunk_id})
		MERGE (e:`+l+` {name: $name})
		MERGE (c)-[:`+RelMentions+`]->(e)`,
		map[string]any{"chunk_id": chunkID, "name": name})
	return err
}

func (n *Neptune) UpsertRelationship(ctx context.Context, a, b Endpoint, descriptions []string, strength float64) (bool, error) {
	src, tgt := CanonicalPair(a, b)
	srcLabel, err := label(src.Label)
	if err != nil {
		return false, err
	}
	tgtLabel, err := label(tgt.Label)
	if err != nil {
		return false, err
	}

	rows, err := n.Query(ctx, `
		MATCH (a:`+srcLabel+` {name: $a})-[r:`+RelRelationship+`]-(b:`+tgtLabel+` {name: $b})
		RETURN r.description AS description, r.strength AS strength, r.summary AS summary`,
		map[string]any{"a": src.Name, "b": tgt.Name})
	if err != nil {
		return false, err
	}

	existing := len(rows) > 0
	merged := make([]string, 0, len(descriptions))
	summary := ""
	for _, row := range rows {
		merged = MergeDescriptions(merged, DecodeDescriptions(asString(row["description"])))
		if s := asFloat(row["strength"]); s > strength {
			strength = s
		}
		if summary == "" {
			summary = asString(row["summary"])
		}
	}
	merged = MergeDescriptions(merged, descriptions)

	// Delete-then-create is the only way to guarantee exactly one edge
	// per pair: the store has no multi-edge merge, and concurrent
	// MERGEs on relationships still multiply edges.
	if existing {
		if _, err := n.Query(ctx, `
			MATCH (a:`+srcLabel+` {name: $a})-[r:`+RelRelationship+`]-(b:`+tgtLabel+` {name: $b})
			DELETE r`,
			map[string]any{"a": src.Name, "b": tgt.Name}); err != nil {
			return existing, err
		}
	}

	_, err = n.Query(ctx, `
		MATCH (a:`+srcLabel+` {name: $a}), (b:`+tgtLabel+` {name: $b})
		CREATE (a)-[r:`+RelRelationship+` {description: $description, strength: $strength, summary: $summary}]->(b)`,
		map[string]any{
			"a": src.Name, "b": tgt.Name,
			"description": EncodeDescriptions(merged),
			"strength":    strength,
			"summary":     summary,
		})
	return existing, err
}

func (n *Neptune) NodeSummaryCandidates(ctx context.Context) ([]NodeCandidate, error) {
	rows, err := n.Query(ctx, `
		MATCH (e)
		WHERE e.description IS NOT NULL AND e.description <> ''
		  AND (e.summary IS NULL OR e.summary = '')
		  AND NOT (e:`+LabelChunk+` OR e:MOVIE OR e:REVIEWER)
		RETURN labels(e)[0] AS label, e.name AS name, e.description AS description`, nil)
	if err != nil {
		return nil, err
	}

	out := make([]NodeCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, NodeCandidate{
			Label:        asString(row["label"]),
			Name:         asString(row["name"]),
			Descriptions: DecodeDescriptions(asString(row["description"])),
		})
	}
	return out, nil
}

func (n *Neptune) EdgeSummaryCandidates(ctx context.Context) ([]EdgeCandidate, error) {
	rows, err := n.Query(ctx, `
		MATCH (s)-[r:`+RelRelationship+`]->(t)
		WHERE r.description IS NOT NULL AND r.description <> ''
		  AND (r.summary IS NULL OR r.summary = '')
		RETURN s.name AS source, labels(s)[0] AS source_label,
		       t.name AS target, labels(t)[0] AS target_label,
		       r.description AS description`, nil)
	if err != nil {
		return nil, err
	}

	out := make([]EdgeCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, EdgeCandidate{
			Source:       Endpoint{Name: asString(row["source"]), Label: asString(row["source_label"])},
			Target:       Endpoint{Name: asString(row["target"]), Label: asString(row["target_label"])},
			Descriptions: DecodeDescriptions(asString(row["description"])),
		})
	}
	return out, nil
}

func (n *Neptune) SaveNodeSummary(ctx context.Context, lbl, name, summary string) error {
	l, err := label(lbl)
	if err != nil {
		return err
	}

	rows, err := n.Query(ctx, `
		MATCH (e:`+l+` {name: $name}) RETURN e.neptune_id AS neptune_id`,
		map[string]any{"name": name})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("node %s:%s not found", l, name)
	}
	canonicalID := asString(rows[0]["neptune_id"])
	if canonicalID == "" {
		canonicalID = CanonicalID(name, l)
	}

	_, err = n.Query(ctx, `
		MATCH (e:`+l+` {name: $name})
		SET e.summary = $summary, e.neptune_id = $neptune_id`,
		map[string]any{"name": name, "summary": summary, "neptune_id": canonicalID})
	return err
}

func (n *Neptune) SaveEdgeSummary(ctx context.Context, a, b Endpoint, summary string) error {
	src, tgt := CanonicalPair(a, b)
	srcLabel, err := label(src.Label)
	if err != nil {
		return err
	}
	tgtLabel, err := label(tgt.Label)
	if err != nil {
		return err
	}
	_, err = n.Query(ctx, `
		MATCH (a:`+srcLabel+` {name: $a})-[r:`+RelRelationship+`]-(b:`+tgtLabel+` {name: $b})
		SET r.summary = $summary`,
		map[string]any{"a": src.Name, "b": tgt.Name, "summary": summary})
	return err
}

func (n *Neptune) PublishableEntities(ctx context.Context) ([]PublishableEntity, error) {
	rows, err := n.Query(ctx, `
		MATCH (e)
		WHERE e.summary IS NOT NULL AND e.summary <> ''
		  AND e.neptune_id IS NOT NULL AND NOT e:`+LabelChunk+`
		RETURN labels(e)[0] AS label, e.name AS name,
		       e.summary AS summary, e.neptune_id AS neptune_id`, nil)
	if err != nil {
		return nil, err
	}

	out := make([]PublishableEntity, 0, len(rows))
	for _, row := range rows {
		out = append(out, PublishableEntity{
			Label:       asString(row["label"]),
			Name:        asString(row["name"]),
			Summary:     asString(row["summary"]),
			CanonicalID: asString(row["neptune_id"]),
		})
	}
	return out, nil
}

func (n *Neptune) Chunks(ctx context.Context) ([]ChunkNode, error) {
	rows, err := n.Query(ctx, `
		MATCH (c:`+LabelChunk+`) RETURN c.id AS id, c.text AS text`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkNode, 0, len(rows))
	for _, row := range rows {
		out = append(out, ChunkNode{ID: asString(row["id"]), Text: asString(row["text"])})
	}
	return out, nil
}

func (n *Neptune) Neighborhood(ctx context.Context, chunkIDs []string, hops, limit int) (*Neighborhood, error) {
	if limit <= 0 {
		limit = 200
	}
	nb := &Neighborhood{}
	seenEntity := make(map[string]bool)
	seenPair := make(map[string]bool)

	seeds, err := n.Query(ctx, `
		MATCH (c:`+LabelChunk+`)-[:`+RelMentions+`]->(e)
		WHERE c.id IN $chunk_ids
		RETURN DISTINCT e.name AS name, labels(e)[0] AS label,
		       e.description AS description, e.summary AS summary`,
		map[string]any{"chunk_ids": chunkIDs})
	if err != nil {
		return nil, err
	}

	frontier := make([]string, 0, len(seeds))
	for _, row := range seeds {
		name := asString(row["name"])
		if name == "" || seenEntity[name] {
			continue
		}
		seenEntity[name] = true
		frontier = append(frontier, name)
		nb.Entities = append(nb.Entities, NeighborEntity{
			Name:         name,
			Label:        asString(row["label"]),
			Descriptions: DecodeDescriptions(asString(row["description"])),
			Summary:      asString(row["summary"]),
		})
	}

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		rows, err := n.Query(ctx, `
			MATCH (a)-[r:`+RelRelationship+`]-(b)
			WHERE a.name IN $names AND NOT (b:`+LabelChunk+` OR b:REVIEWER)
			RETURN DISTINCT a.name AS a, b.name AS b, labels(b)[0] AS b_label,
			       b.description AS b_description, b.summary AS b_summary,
			       r.description AS description, r.summary AS summary, r.strength AS strength
			LIMIT `+strconv.Itoa(limit),
			map[string]any{"names": frontier})
		if err != nil {
			return nil, err
		}

		var next []string
		for _, row := range rows {
			aName, bName := asString(row["a"]), asString(row["b"])
			if key := PairKey(Endpoint{Name: aName}, Endpoint{Name: bName}); !seenPair[key] {
				seenPair[key] = true
				nb.Relationships = append(nb.Relationships, NeighborRelationship{
					SourceName:   aName,
					TargetName:   bName,
					Descriptions: DecodeDescriptions(asString(row["description"])),
					Summary:      asString(row["summary"]),
					Strength:     asFloat(row["strength"]),
				})
			}
			if !seenEntity[bName] {
				seenEntity[bName] = true
				next = append(next, bName)
				nb.Entities = append(nb.Entities, NeighborEntity{
					Name:         bName,
					Label:        asString(row["b_label"]),
					Descriptions: DecodeDescriptions(asString(row["b_description"])),
					Summary:      asString(row["b_summary"]),
				})
			}
		}
		frontier = next
	}

	return nb, nil
}

func (n *Neptune) EntityPrompts(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := n.Query(ctx, `
		MATCH (e)
		WHERE e.name IN $names AND e.prompt IS NOT NULL AND e.prompt <> ''
		RETURN e.name AS name, e.prompt AS prompt`,
		map[string]any{"names": names})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[asString(row["name"])] = asString(row["prompt"])
	}
	return out, nil
}

func (n *Neptune) SetEntityPrompt(ctx context.Context, lbl, name, prompt string) error {
	l, err := label(lbl)
	if err != nil {
		return err
	}
	if prompt == "" {
		_, err = n.Query(ctx, `
			MATCH (e:`+l+` {name: $name}) REMOVE e.prompt`,
			map[string]any{"name": name})
		return err
	}
	_, err = n.Query(ctx, `
		MATCH (e:`+l+` {name: $name}) SET e.prompt = $prompt`,
		map[string]any{"name": name, "prompt": prompt})
	return err
}

func (n *Neptune) EntityContext(ctx context.Context, name string) (*EntityDetail, error) {
	rows, err := n.Query(ctx, `
		MATCH (e {name: $name})
		WHERE NOT e:`+LabelChunk+`
		RETURN labels(e)[0] AS label, e.description AS description, e.summary AS summary`,
		map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("entity %q not found", name)
	}

	detail := &EntityDetail{
		Name:         name,
		Label:        asString(rows[0]["label"]),
		Descriptions: DecodeDescriptions(asString(rows[0]["description"])),
		Summary:      asString(rows[0]["summary"]),
	}

	neighbors, err := n.Query(ctx, `
		MATCH (e {name: $name})-[r:`+RelRelationship+`]-(b)
		RETURN b.name AS b, r.description AS description,
		       r.summary AS summary, r.strength AS strength`,
		map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	for _, row := range neighbors {
		detail.Neighbors = append(detail.Neighbors, NeighborRelationship{
			SourceName:   name,
			TargetName:   asString(row["b"]),
			Descriptions: DecodeDescriptions(asString(row["description"])),
			Summary:      asString(row["summary"]),
			Strength:     asFloat(row["strength"]),
		})
	}
	return detail, nil
}

func (n *Neptune) Schema(ctx context.Context) (string, error) {
	var b strings.Builder

	labels, err := n.Query(ctx, `MATCH (e) UNWIND labels(e) AS l RETURN DISTINCT l`, nil)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(labels))
	for _, row := range labels {
		names = append(names, asString(row["l"]))
	}
	sort.Strings(names)
	b.WriteString("Node labels: " + strings.Join(names, ", ") + "\n")

	keys, err := n.Query(ctx, `MATCH (e) UNWIND keys(e) AS k RETURN DISTINCT k`, nil)
	if err != nil {
		return "", err
	}
	names = names[:0]
	for _, row := range keys {
		names = append(names, asString(row["k"]))
	}
	sort.Strings(names)
	b.WriteString("Property keys: " + strings.Join(names, ", ") + "\n")

	rels, err := n.Query(ctx, `MATCH ()-[r]->() RETURN DISTINCT type(r) AS t`, nil)
	if err != nil {
		return "", err
	}
	names = names[:0]
	for _, row := range rels {
		names = append(names, asString(row["t"]))
	}
	sort.Strings(names)
	b.WriteString("Relationship types: " + strings.Join(names, ", ") + "\n")

	return b.String(), nil
}

func (n *Neptune) Clear(ctx context.Context) error {
	_, err := n.Query(ctx, `MATCH (e) DETACH DELETE e`, nil)
	return err
}

func (n *Neptune) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		query string
		dest  *int
	}{
		{`MATCH (e:MOVIE) RETURN count(e) AS c`, &stats.Movies},
		{`MATCH (e:REVIEWER) RETURN count(e) AS c`, &stats.Reviewers},
		{`MATCH (e:` + LabelChunk + `) RETURN count(e) AS c`, &stats.Chunks},
		{`MATCH (e) WHERE NOT (e:` + LabelChunk + ` OR e:MOVIE OR e:REVIEWER) RETURN count(e) AS c`, &stats.Entities},
		{`MATCH ()-[r:` + RelRelationship + `]->() RETURN count(r) AS c`, &stats.Relationships},
		{`MATCH ()-[r:` + RelMentions + `]->() RETURN count(r) AS c`, &stats.Mentions},
	}
	for _, q := range counts {
		rows, err := n.Query(ctx, q.query, nil)
		if err != nil {
			return stats, err
		}
		if len(rows) > 0 {
			*q.dest = int(asFloat(rows[0]["c"]))
		}
	}
	return stats, nil
}

// Close is a no-op; the HTTP client holds no persistent connections
// worth tearing down explicitly.
func (n *Neptune) Close() error { return nil }

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
