package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// OpenSearch is the production Registry backend. Entity and chunk
// documents live in two indices with knn_vector fields and a Korean
// nori analyzer on the text fields.
type OpenSearch struct {
	client      *opensearch.Client
	entityIndex string
	chunkIndex  string
	dim         int
}

// NewOpenSearch connects to the cluster in cfg. The connection is
// lazy; the first request surfaces reachability problems.
func NewOpenSearch(cfg Config) (*OpenSearch, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("opensearch: no addresses configured")
	}

	osCfg := opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.InsecureSkipVerify {
		osCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("creating opensearch client: %w", err)
	}
	return &OpenSearch{
		client:      client,
		entityIndex: cfg.EntityIndex,
		chunkIndex:  cfg.ChunkIndex,
		dim:         cfg.Dim,
	}, nil
}

// knnVectorMapping is the shared vector field definition for both
// indices.
func (o *OpenSearch) knnVectorMapping() map[string]any {
	return map[string]any{
		"type":      "knn_vector",
		"dimension": o.dim,
		"method": map[string]any{
			"name":       "hnsw",
			"space_type": "l2",
			"engine":     "faiss",
			"parameters": map[string]any{
				"ef_construction": 128,
				"m":               16,
			},
		},
	}
}

// indexSettings are shared by both indices: KNN enabled and a nori
// analyzer that drops Korean particles before lowercasing.
func indexSettings() map[string]any {
	return map[string]any{
		"index": map[string]any{
			"knn":                      true,
			"knn.algo_param.ef_search": 100,
			"number_of_shards":         3,
			"number_of_replicas":       2,
			"analysis": map[string]any{
				"analyzer": map[string]any{
					"nori_analyzer": map[string]any{
						"tokenizer": "nori_tokenizer",
						"filter":    []string{"nori_stop", "lowercase"},
					},
				},
				"filter": map[string]any{
					"nori_stop": map[string]any{
						"type": "nori_part_of_speech",
						"stoptags": []string{
							"J", "JKS", "JKB", "JKO", "JKG",
							"JKC", "JKV", "JKQ", "JX", "JC",
						},
					},
				},
			},
		},
	}
}

func (o *OpenSearch) entityIndexBody() map[string]any {
	return map[string]any{
		"settings": indexSettings(),
		"mappings": map[string]any{
			"properties": map[string]any{
				"entity": map[string]any{
					"properties": map[string]any{
						"name": map[string]any{
							"type":     "text",
							"analyzer": "nori_analyzer",
							"fields": map[string]any{
								"keyword": map[string]any{"type": "keyword"},
							},
						},
						"synonym": map[string]any{
							"type": "keyword",
							"fields": map[string]any{
								"text": map[string]any{
									"type":     "text",
									"analyzer": "nori_analyzer",
								},
							},
						},
						"entity_type": map[string]any{"type": "keyword"},
						"summary": map[string]any{
							"type":     "text",
							"analyzer": "nori_analyzer",
						},
						"summary_vec": o.knnVectorMapping(),
						"neptune_id":  map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}
}

func (o *OpenSearch) chunkIndexBody() map[string]any {
	return map[string]any{
		"settings": indexSettings(),
		"mappings": map[string]any{
			"properties": map[string]any{
				"chunk": map[string]any{
					"properties": map[string]any{
						"context": map[string]any{
							"type": "keyword",
							"fields": map[string]any{
								"text": map[string]any{
									"type":     "text",
									"analyzer": "nori_analyzer",
								},
							},
						},
						"context_vec": o.knnVectorMapping(),
						"neptune_id":  map[string]any{"type": "keyword"},
					},
				},
			},
		},
	}
}

// FindCanonical resolves a surface name: exact name match with the
// resolution score floor, then exact synonym match, else not_found.
// An unreachable cluster logs and resolves to not_found so callers in
// the extraction path keep going.
func (o *OpenSearch) FindCanonical(ctx context.Context, name, entityType string) (Resolution, error) {
	name = strings.TrimSpace(name)
	entityType = strings.TrimSpace(entityType)
	notFound := Resolution{Input: name, Canonical: name, EntityType: entityType,
		Matched: false, MatchType: MatchNotFound}
	if name == "" || entityType == "" {
		return notFound, nil
	}

	hit, score, err := o.searchName(ctx, name, entityType, ResolveMinScore)
	if err != nil {
		slog.Warn("registry: name lookup failed, resolving as not_found",
			"name", name, "type", entityType, "error", err)
		return notFound, nil
	}
	if hit != nil {
		return Resolution{Input: name, Canonical: strings.TrimSpace(hit.Name),
			EntityType: entityType, Matched: true, MatchType: MatchNameExact, Score: score}, nil
	}

	hit, score, err = o.searchSynonym(ctx, name, entityType)
	if err != nil {
		slog.Warn("registry: synonym lookup failed, resolving as not_found",
			"name", name, "type", entityType, "error", err)
		return notFound, nil
	}
	if hit != nil {
		return Resolution{Input: name, Canonical: strings.TrimSpace(hit.Name),
			EntityType: entityType, Matched: true, MatchType: MatchSynonymExact, Score: score}, nil
	}
	return notFound, nil
}

// LookupExact is the publish-path verify: the best hit must clear
// minScore and carry exactly the requested stored name.
func (o *OpenSearch) LookupExact(ctx context.Context, name, entityType string, minScore float64) (*EntityRecord, error) {
	hit, score, err := o.searchName(ctx, strings.TrimSpace(name), strings.TrimSpace(entityType), minScore)
	if err != nil {
		return nil, err
	}
	if hit == nil || hit.Name != name {
		return nil, nil
	}
	hit.Score = score
	return hit, nil
}

// searchName runs the boosted exact-name query: keyword term (boost
// 3.0) plus and-operator match (boost 2.0), filtered by entity type.
func (o *OpenSearch) searchName(ctx context.Context, name, entityType string, minScore float64) (*EntityRecord, float64, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{
						"bool": map[string]any{
							"should": []any{
								map[string]any{"term": map[string]any{
									"entity.name.keyword": map[string]any{"value": name, "boost": 3.0},
								}},
								map[string]any{"match": map[string]any{
									"entity.name": map[string]any{"query": name, "operator": "and", "boost": 2.0},
								}},
							},
						},
					},
					map[string]any{"term": map[string]any{"entity.entity_type": entityType}},
				},
			},
		},
		"size":      1,
		"min_score": minScore,
		"sort": []any{
			map[string]any{"_score": map[string]any{"order": "desc"}},
			map[string]any{"entity.name.keyword": map[string]any{"order": "asc"}},
		},
		"_source": map[string]any{"excludes": []string{"entity.summary_vec"}},
	}
	return o.searchOneEntity(ctx, body)
}

// searchSynonym matches the name against the exact synonym keyword
// field, type-filtered.
func (o *OpenSearch) searchSynonym(ctx context.Context, name, entityType string) (*EntityRecord, float64, error) {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"entity.entity_type": entityType}},
					map[string]any{"term": map[string]any{"entity.synonym": name}},
				},
			},
		},
		"size":    1,
		"_source": map[string]any{"excludes": []string{"entity.summary", "entity.summary_vec"}},
	}
	return o.searchOneEntity(ctx, body)
}

type osHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source struct {
		Entity EntityRecord `json:"entity"`
		Chunk  ChunkRecord  `json:"chunk"`
	} `json:"_source"`
}

type osSearchResponse struct {
	Hits struct {
		Hits []osHit `json:"hits"`
	} `json:"hits"`
}

func (o *OpenSearch) searchOneEntity(ctx context.Context, body map[string]any) (*EntityRecord, float64, error) {
	resp, err := o.search(ctx, o.entityIndex, body)
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Hits.Hits) == 0 {
		return nil, 0, nil
	}
	hit := resp.Hits.Hits[0]
	rec := hit.Source.Entity
	rec.DocID = hit.ID
	return &rec, hit.Score, nil
}

func (o *OpenSearch) search(ctx context.Context, index string, body map[string]any) (*osSearchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}
	req := opensearchapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(payload),
	}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		if res.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("searching %s: %w", index, ErrIndexMissing)
		}
		return nil, fmt.Errorf("searching %s: %s", index, res.String())
	}
	var parsed osSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return &parsed, nil
}

func (o *OpenSearch) GetByID(ctx context.Context, id string) (*EntityRecord, error) {
	req := opensearchapi.GetRequest{Index: o.entityIndex, DocumentID: id}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return nil, fmt.Errorf("getting entity %q: %w", id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("getting entity %q: %s", id, res.String())
	}
	var doc struct {
		Source struct {
			Entity EntityRecord `json:"entity"`
		} `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding entity %q: %w", id, err)
	}
	rec := doc.Source.Entity
	rec.DocID = id
	return &rec, nil
}

func (o *OpenSearch) PutEntity(ctx context.Context, id string, rec EntityRecord) error {
	if len(rec.SummaryVec) > 0 && len(rec.SummaryVec) != o.dim {
		return fmt.Errorf("%w: summary_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.SummaryVec), o.dim)
	}
	return o.index(ctx, o.entityIndex, id, map[string]any{"entity": rec})
}

func (o *OpenSearch) UpdateEntity(ctx context.Context, id string, fields map[string]any) error {
	if vec, ok := fields["summary_vec"].([]float32); ok && len(vec) != o.dim {
		return fmt.Errorf("%w: summary_vec has %d dims, want %d",
			ErrDimensionMismatch, len(vec), o.dim)
	}
	body, err := json.Marshal(map[string]any{"doc": map[string]any{"entity": fields}})
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	req := opensearchapi.UpdateRequest{
		Index:      o.entityIndex,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("updating entity %q: %w", id, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("updating entity %q: %w", id, ErrNotFound)
	}
	if res.IsError() {
		return fmt.Errorf("updating entity %q: %s", id, res.String())
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

func (o *OpenSearch) MergeSynonyms(ctx context.Context, id string, synonyms []string) error {
	rec, err := o.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("merging synonyms for %q: %w", id, ErrNotFound)
	}
	merged := MergeSynonymSets(rec.Synonyms, synonyms)
	return o.UpdateEntity(ctx, id, map[string]any{"synonym": merged})
}

func (o *OpenSearch) PutChunk(ctx context.Context, id string, rec ChunkRecord) error {
	if len(rec.ContextVec) > 0 && len(rec.ContextVec) != o.dim {
		return fmt.Errorf("%w: context_vec has %d dims, want %d",
			ErrDimensionMismatch, len(rec.ContextVec), o.dim)
	}
	return o.index(ctx, o.chunkIndex, id, map[string]any{"chunk": rec})
}

func (o *OpenSearch) index(ctx context.Context, index, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	req := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("indexing into %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("indexing into %s: %s", index, res.String())
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

func (o *OpenSearch) SearchChunksKNN(ctx context.Context, vector []float32, k int) ([]ChunkRecord, error) {
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				"chunk.context_vec": map[string]any{"vector": vector, "k": k},
			},
		},
		"_source": map[string]any{"excludes": []string{"chunk.context_vec"}},
	}
	resp, err := o.search(ctx, o.chunkIndex, body)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkRecord, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		rec := hit.Source.Chunk
		rec.DocID = hit.ID
		rec.Score = hit.Score
		out = append(out, rec)
	}
	return out, nil
}

func (o *OpenSearch) SearchEntitiesKNN(ctx context.Context, vector []float32, k int) ([]EntityRecord, error) {
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				"entity.summary_vec": map[string]any{"vector": vector, "k": k},
			},
		},
		"_source": map[string]any{"excludes": []string{"entity.summary_vec"}},
	}
	resp, err := o.search(ctx, o.entityIndex, body)
	if err != nil {
		return nil, err
	}
	out := make([]EntityRecord, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		rec := hit.Source.Entity
		rec.DocID = hit.ID
		rec.Score = hit.Score
		out = append(out, rec)
	}
	return out, nil
}

// EnsureIndices creates both indices when missing. With recreate set
// it deletes and rebuilds them first.
func (o *OpenSearch) EnsureIndices(ctx context.Context, recreate bool) error {
	if recreate {
		if err := o.DeleteIndices(ctx); err != nil {
			return err
		}
	}
	if err := o.ensureIndex(ctx, o.entityIndex, o.entityIndexBody()); err != nil {
		return err
	}
	return o.ensureIndex(ctx, o.chunkIndex, o.chunkIndexBody())
}

func (o *OpenSearch) ensureIndex(ctx context.Context, index string, body map[string]any) error {
	exists, err := o.indexExists(ctx, index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding index body: %w", err)
	}
	req := opensearchapi.IndicesCreateRequest{Index: index, Body: bytes.NewReader(payload)}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("creating index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("creating index %s: %s", index, res.String())
	}
	io.Copy(io.Discard, res.Body)
	slog.Info("registry: index created", "index", index, "dim", o.dim)
	return nil
}

func (o *OpenSearch) indexExists(ctx context.Context, index string) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{Index: []string{index}}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return false, fmt.Errorf("checking index %s: %w", index, err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	return res.StatusCode == http.StatusOK, nil
}

// ValidateIndices confirms both indices exist and their vector fields
// are knn_vector with the configured dimension. A mismatch fails the
// whole run before any write happens.
func (o *OpenSearch) ValidateIndices(ctx context.Context) error {
	if err := o.validateVectorField(ctx, o.entityIndex, "entity", "summary_vec"); err != nil {
		return err
	}
	return o.validateVectorField(ctx, o.chunkIndex, "chunk", "context_vec")
}

func (o *OpenSearch) validateVectorField(ctx context.Context, index, root, field string) error {
	req := opensearchapi.IndicesGetMappingRequest{Index: []string{index}}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("getting mapping for %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("index %s: %w", index, ErrIndexMissing)
	}
	if res.IsError() {
		return fmt.Errorf("getting mapping for %s: %s", index, res.String())
	}

	var mapping map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Properties map[string]struct {
					Type      string `json:"type"`
					Dimension int    `json:"dimension"`
				} `json:"properties"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.NewDecoder(res.Body).Decode(&mapping); err != nil {
		return fmt.Errorf("decoding mapping for %s: %w", index, err)
	}

	props, ok := mapping[index]
	if !ok {
		return fmt.Errorf("index %s: %w", index, ErrIndexMissing)
	}
	vec := props.Mappings.Properties[root].Properties[field]
	if vec.Type != "knn_vector" {
		return fmt.Errorf("index %s: field %s.%s is %q, want knn_vector: %w",
			index, root, field, vec.Type, ErrDimensionMismatch)
	}
	if vec.Dimension != o.dim {
		return fmt.Errorf("index %s: field %s.%s has dimension %d, want %d: %w",
			index, root, field, vec.Dimension, o.dim, ErrDimensionMismatch)
	}
	return nil
}

func (o *OpenSearch) DeleteIndices(ctx context.Context) error {
	for _, index := range []string{o.entityIndex, o.chunkIndex} {
		exists, err := o.indexExists(ctx, index)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		req := opensearchapi.IndicesDeleteRequest{Index: []string{index}}
		res, err := req.Do(ctx, o.client)
		if err != nil {
			return fmt.Errorf("deleting index %s: %w", index, err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("deleting index %s: %s", index, res.String())
		}
		slog.Info("registry: index deleted", "index", index)
	}
	return nil
}

func (o *OpenSearch) Refresh(ctx context.Context) error {
	req := opensearchapi.IndicesRefreshRequest{
		Index: []string{o.entityIndex, o.chunkIndex},
	}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return fmt.Errorf("refreshing indices: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("refreshing indices: %s", res.String())
	}
	io.Copy(io.Discard, res.Body)
	return nil
}

func (o *OpenSearch) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	for _, target := range []struct {
		index string
		dest  *int
	}{
		{o.entityIndex, &stats.Entities},
		{o.chunkIndex, &stats.Chunks},
	} {
		req := opensearchapi.CountRequest{Index: []string{target.index}}
		res, err := req.Do(ctx, o.client)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", target.index, err)
		}
		if res.IsError() {
			res.Body.Close()
			return nil, fmt.Errorf("counting %s: %s", target.index, res.String())
		}
		var count struct {
			Count int `json:"count"`
		}
		err = json.NewDecoder(res.Body).Decode(&count)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding count for %s: %w", target.index, err)
		}
		*target.dest = count.Count
	}
	return stats, nil
}

func (o *OpenSearch) Close() error { return nil }
