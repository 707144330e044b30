package reelgraph

import (
	"errors"

	"github.com/jhyunlee/reelgraph/registry"
)

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("reelgraph: invalid configuration")

	// ErrIndexMissing is returned when a required search index does not
	// exist. It is the registry's sentinel so errors.Is matches across
	// packages.
	ErrIndexMissing = registry.ErrIndexMissing

	// ErrDimensionMismatch is returned when the index vector mapping does not
	// match the configured embedding dimension. This aborts a run before any
	// writes happen.
	ErrDimensionMismatch = registry.ErrDimensionMismatch

	// ErrGraphUnavailable is returned when the graph endpoint is unreachable.
	ErrGraphUnavailable = errors.New("reelgraph: graph store unavailable")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("reelgraph: embedding generation failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("reelgraph: LLM request failed")

	// ErrNoArtifacts is returned when a stage finds no chunk artifacts to work on.
	ErrNoArtifacts = errors.New("reelgraph: no chunk artifacts found")

	// ErrNoResults is returned when retrieval yields nothing for a query.
	ErrNoResults = errors.New("reelgraph: no results found")

	// ErrClosed is returned when operating on a closed pipeline.
	ErrClosed = errors.New("reelgraph: pipeline is closed")
)
