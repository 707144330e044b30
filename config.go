package reelgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the reelgraph pipeline.
type Config struct {
	// ReviewDir holds the source transcripts, one file per review.
	// Filenames encode provenance: "<movie>+<reviewer>.txt" (or .pdf),
	// where '+' separates segments and the last segment is the reviewer.
	ReviewDir string `json:"review_dir" yaml:"review_dir"`

	// ArtifactDir is where per-chunk JSON artifacts are written. Every
	// stage after chunking reads from and writes back to this directory,
	// which makes the pipeline restartable at any stage.
	ArtifactDir string `json:"artifact_dir" yaml:"artifact_dir"`

	// CatalogDir holds the structured catalogs (movies, reviewers, cast,
	// staff) as CSV, JSON, or XLSX files.
	CatalogDir string `json:"catalog_dir" yaml:"catalog_dir"`

	// Graph configures the property-graph backend.
	Graph GraphConfig `json:"graph" yaml:"graph"`

	// Search configures the search-index backend (the canonical registry).
	Search SearchConfig `json:"search" yaml:"search"`

	// LLM providers. Chat drives extraction, summarization, and answers;
	// Embedding produces the D-dimensional vectors.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// WebSearch configures the optional web-search tool for entity agents.
	WebSearch WebSearchConfig `json:"web_search,omitempty" yaml:"web_search,omitempty"`

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`       // window size in characters (default 1500)
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"` // overlap in characters (default 100)

	// EmbeddingDim is the vector dimension used by the index mapping, the
	// embedding contract, and the publish validators. Runs abort when the
	// live index mapping disagrees.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Stage concurrency
	ExtractWorkers int `json:"extract_workers" yaml:"extract_workers"` // parallel LLM extraction calls (default 8)
	NodeWorkers    int `json:"node_workers" yaml:"node_workers"`       // phase-1 graph writers (default 20)
	EdgeWorkers    int `json:"edge_workers" yaml:"edge_workers"`       // phase-2 graph writers (default 1)
	PublishWorkers int `json:"publish_workers" yaml:"publish_workers"` // index publish parallelism (default 10)

	// Graph write retry/drain policy
	WriteRetries int `json:"write_retries" yaml:"write_retries"` // attempts per task on conflicts (default 5)
	DrainRounds  int `json:"drain_rounds" yaml:"drain_rounds"`   // failure-queue re-passes (default 5)

	// Query-side knobs
	TopChunks  int `json:"top_chunks" yaml:"top_chunks"`   // chunk-KNN k (default 5)
	AgentPool  int `json:"agent_pool" yaml:"agent_pool"`   // parallel entity agents (default 5)
	QuerySecs  int `json:"query_timeout_seconds" yaml:"query_timeout_seconds"` // whole-query deadline (default 120)
}

// GraphConfig configures the property-graph store.
type GraphConfig struct {
	// Driver selects the backend: "neptune" or "memory".
	Driver string `json:"driver" yaml:"driver"`

	// Endpoint is the Neptune cluster endpoint host (no scheme or port).
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Port     int    `json:"port" yaml:"port"` // default 8182

	Region          string `json:"region" yaml:"region"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// SearchConfig configures the canonical registry backend.
type SearchConfig struct {
	// Backend selects the implementation: "opensearch", "sqlite", or "memory".
	Backend string `json:"backend" yaml:"backend"`

	// OpenSearch settings
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	Username  string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`

	// Index names
	EntityIndex string `json:"entity_index" yaml:"entity_index"` // default "entities"
	ChunkIndex  string `json:"chunk_index" yaml:"chunk_index"`   // default "chunks"

	// Path is the database file for the sqlite backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// InsecureSkipVerify disables TLS verification for self-signed
	// OpenSearch endpoints (dev clusters only).
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // bedrock, openai, ollama, gemini, groq, openrouter, xai, lmstudio, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Bedrock settings
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// WebSearchConfig configures the web-search tool used by entity agents.
// An empty APIKey disables the tool; agents then run graph-only.
type WebSearchConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// DefaultConfig returns a Config with the pipeline's reference defaults.
func DefaultConfig() Config {
	return Config{
		ReviewDir:   "movie_review",
		ArtifactDir: "chunks",
		CatalogDir:  "catalog",
		Graph: GraphConfig{
			Driver: "neptune",
			Port:   8182,
			Region: "ap-northeast-2",
		},
		Search: SearchConfig{
			Backend:     "opensearch",
			Addresses:   []string{"https://localhost:9200"},
			EntityIndex: "entities",
			ChunkIndex:  "chunks",
		},
		Chat: LLMConfig{
			Provider: "bedrock",
			Model:    "anthropic.claude-3-5-sonnet-20240620-v1:0",
			Region:   "ap-northeast-2",
		},
		Embedding: LLMConfig{
			Provider: "bedrock",
			Model:    "amazon.titan-embed-text-v2:0",
			Region:   "ap-northeast-2",
		},
		ChunkSize:      1500,
		ChunkOverlap:   100,
		EmbeddingDim:   1024,
		ExtractWorkers: 8,
		NodeWorkers:    20,
		EdgeWorkers:    1,
		PublishWorkers: 10,
		WriteRetries:   5,
		DrainRounds:    5,
		TopChunks:      5,
		AgentPool:      5,
		QuerySecs:      120,
	}
}

// LoadConfig reads a config file (JSON or YAML, by extension) over the
// defaults. A missing path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate checks the configuration for values that would make a run fail
// after work has already started.
func (c *Config) Validate() error {
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size)", ErrInvalidConfig)
	}
	if c.Graph.Driver == "neptune" && c.Graph.Endpoint == "" {
		return fmt.Errorf("%w: graph.endpoint is required for the neptune driver", ErrInvalidConfig)
	}
	if c.Search.Backend == "opensearch" && len(c.Search.Addresses) == 0 {
		return fmt.Errorf("%w: search.addresses is required for the opensearch backend", ErrInvalidConfig)
	}
	if c.Search.Backend == "sqlite" && c.Search.Path == "" {
		return fmt.Errorf("%w: search.path is required for the sqlite backend", ErrInvalidConfig)
	}
	if c.Chat.Provider == "" || c.Embedding.Provider == "" {
		return fmt.Errorf("%w: chat and embedding providers are required", ErrInvalidConfig)
	}
	return nil
}
