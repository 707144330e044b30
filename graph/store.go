package graph

import "context"

// Store is the typed contract over the property graph. Implementations
// must be safe for concurrent use; the writer pools share one Store.
// Every write is an upsert so replaying a chunk is always safe.
type Store interface {
	// UpsertProvenance merges the movie and reviewer nodes, the chunk
	// node with its text, and the HAS_CHUNK / WRITTEN_BY edges.
	UpsertProvenance(ctx context.Context, movieID, reviewer, chunkID, text string) error

	// UpsertEntity merges the (label, name) node, accumulating the new
	// descriptions onto the existing list with set semantics and
	// assigning a canonical id on first create. Reports whether the
	// node already existed.
	UpsertEntity(ctx context.Context, label, name string, descriptions []string) (existing bool, err error)

	// UpsertMentions merges a MENTIONS edge from a chunk to an entity.
	UpsertMentions(ctx context.Context, chunkID, name, label string) error

	// UpsertRelationship merges the single undirected RELATIONSHIP edge
	// between two domain nodes: descriptions accumulate, strength is
	// max-reduced, and any duplicate edges between the pair are
	// collapsed into one stored in canonical orientation.
	UpsertRelationship(ctx context.Context, a, b Endpoint, descriptions []string, strength float64) (existing bool, err error)

	// NodeSummaryCandidates lists entity nodes with descriptions but no
	// summary, excluding chunk and provenance labels.
	NodeSummaryCandidates(ctx context.Context) ([]NodeCandidate, error)

	// EdgeSummaryCandidates lists RELATIONSHIP edges with descriptions
	// but no summary, one entry per unordered pair.
	EdgeSummaryCandidates(ctx context.Context) ([]EdgeCandidate, error)

	// SaveNodeSummary writes a node summary and assigns a canonical id
	// when the node has none yet. Existing ids are never rewritten.
	SaveNodeSummary(ctx context.Context, label, name, summary string) error

	// SaveEdgeSummary writes an edge summary.
	SaveEdgeSummary(ctx context.Context, a, b Endpoint, summary string) error

	// PublishableEntities lists entity nodes carrying both a summary
	// and a canonical id, ready for the index publisher.
	PublishableEntities(ctx context.Context) ([]PublishableEntity, error)

	// Chunks lists every chunk node with its text.
	Chunks(ctx context.Context) ([]ChunkNode, error)

	// Neighborhood expands from chunk ids through MENTIONS and then up
	// to hops RELATIONSHIP hops, excluding chunk and reviewer nodes.
	Neighborhood(ctx context.Context, chunkIDs []string, hops, limit int) (*Neighborhood, error)

	// EntityPrompts returns the prompt property for each named entity
	// that has one set.
	EntityPrompts(ctx context.Context, names []string) (map[string]string, error)

	// SetEntityPrompt writes (or clears, with an empty prompt) the
	// agent instruction on an entity node.
	SetEntityPrompt(ctx context.Context, label, name, prompt string) error

	// EntityContext gathers what the graph knows about one entity for
	// the agent's graph tool: its descriptions and summary plus its
	// direct RELATIONSHIP neighbors.
	EntityContext(ctx context.Context, name string) (*EntityDetail, error)

	// Schema describes the live graph (labels, property keys,
	// relationship types) for the text-to-Cypher prompt.
	Schema(ctx context.Context) (string, error)

	// Clear detaches and deletes every node.
	Clear(ctx context.Context) error

	// Stats counts nodes and edges by kind.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Querier executes raw read-only openCypher. Only the Neptune store
// implements it; the graph-QA flow degrades without it.
type Querier interface {
	Query(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// NodeCandidate is a summarization work item for one entity node.
type NodeCandidate struct {
	Label        string
	Name         string
	Descriptions []string
}

// EdgeCandidate is a summarization work item for one relationship.
type EdgeCandidate struct {
	Source       Endpoint
	Target       Endpoint
	Descriptions []string
}

// PublishableEntity is a node ready for index publishing.
type PublishableEntity struct {
	Label       string
	Name        string
	Summary     string
	CanonicalID string
}

// ChunkNode is one chunk node as stored in the graph.
type ChunkNode struct {
	ID   string
	Text string
}

// NeighborEntity is one entity reached during graph expansion.
type NeighborEntity struct {
	Name         string
	Label        string
	Descriptions []string
	Summary      string
}

// NeighborRelationship is one edge reached during graph expansion.
type NeighborRelationship struct {
	SourceName   string
	TargetName   string
	Descriptions []string
	Summary      string
	Strength     float64
}

// Neighborhood is the result of expanding from a set of chunks.
type Neighborhood struct {
	Entities      []NeighborEntity
	Relationships []NeighborRelationship
}

// EntityDetail is the agent-facing view of one entity.
type EntityDetail struct {
	Name         string
	Label        string
	Descriptions []string
	Summary      string
	Neighbors    []NeighborRelationship
}

// Stats counts graph contents by kind.
type Stats struct {
	Movies        int `json:"movies"`
	Reviewers     int `json:"reviewers"`
	Chunks        int `json:"chunks"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Mentions      int `json:"mentions"`
}
