package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests and local wiring checks. It
// mirrors the Neptune adapter's semantics, including the optimistic
// concurrency failure mode: a ConflictHook can inject
// ConcurrentModification errors to exercise the writer's retry loop.
type Memory struct {
	mu sync.Mutex

	nodes  map[string]*memNode // key: label + "\x00" + name
	chunks map[string]*memChunk
	edges  map[string]*memEdge // key: PairKey
	// provenance edges, key: chunk id -> entity node key
	mentions map[string]map[string]bool

	// ConflictHook, when set, runs before each node or edge write with
	// the write key. Returning an error aborts the write; tests use it
	// to simulate ConcurrentModificationException storms.
	ConflictHook func(op, key string) error
}

type memNode struct {
	label        string
	name         string
	descriptions []string
	summary      string
	canonicalID  string
	prompt       string
}

type memChunk struct {
	id       string
	text     string
	movieID  string
	reviewer string
}

type memEdge struct {
	source       Endpoint
	target       Endpoint
	descriptions []string
	summary      string
	strength     float64
}

// NewMemory returns an empty in-memory graph store.
func NewMemory() *Memory {
	return &Memory{
		nodes:    make(map[string]*memNode),
		chunks:   make(map[string]*memChunk),
		edges:    make(map[string]*memEdge),
		mentions: make(map[string]map[string]bool),
	}
}

// ConcurrentModificationError mimics the store-side optimistic
// concurrency failure; the writer retries on its message text.
func ConcurrentModificationError(key string) error {
	return fmt.Errorf("ConcurrentModificationException: conflicting write on %s", key)
}

func nodeKey(label, name string) string {
	return label + "\x00" + name
}

func (m *Memory) conflict(op, key string) error {
	if m.ConflictHook != nil {
		return m.ConflictHook(op, key)
	}
	return nil
}

func (m *Memory) UpsertProvenance(ctx context.Context, movieID, reviewer, chunkID, text string) error {
	if err := m.conflict("provenance", chunkID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureNode(LabelMovie, movieID)
	m.ensureNode(LabelReviewer, reviewer)
	m.chunks[chunkID] = &memChunk{id: chunkID, text: text, movieID: movieID, reviewer: reviewer}
	return nil
}

func (m *Memory) ensureNode(label, name string) *memNode {
	key := nodeKey(label, name)
	n, ok := m.nodes[key]
	if !ok {
		n = &memNode{label: label, name: name, canonicalID: CanonicalID(name, label)}
		m.nodes[key] = n
	}
	return n
}

func (m *Memory) UpsertEntity(ctx context.Context, label, name string, descriptions []string) (bool, error) {
	key := nodeKey(label, name)
	if err := m.conflict("entity", key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, existing := m.nodes[key]
	if !existing {
		n = &memNode{label: label, name: name, canonicalID: CanonicalID(name, label)}
		m.nodes[key] = n
	}
	n.descriptions = MergeDescriptions(n.descriptions, descriptions)
	return existing, nil
}

func (m *Memory) UpsertMentions(ctx context.Context, chunkID, name, label string) error {
	if err := m.conflict("mentions", chunkID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chunks[chunkID]; !ok {
		return fmt.Errorf("chunk %s not found", chunkID)
	}
	m.ensureNode(label, name)
	if m.mentions[chunkID] == nil {
		m.mentions[chunkID] = make(map[string]bool)
	}
	m.mentions[chunkID][nodeKey(label, name)] = true
	return nil
}

func (m *Memory) UpsertRelationship(ctx context.Context, a, b Endpoint, descriptions []string, strength float64) (bool, error) {
	key := PairKey(a, b)
	if err := m.conflict("relationship", key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Edge endpoints must already exist; phase 2 runs after phase 1.
	if _, ok := m.nodes[nodeKey(a.Label, a.Name)]; !ok {
		return false, fmt.Errorf("endpoint %s:%s not found", a.Label, a.Name)
	}
	if _, ok := m.nodes[nodeKey(b.Label, b.Name)]; !ok {
		return false, fmt.Errorf("endpoint %s:%s not found", b.Label, b.Name)
	}

	src, tgt := CanonicalPair(a, b)
	e, existing := m.edges[key]
	if !existing {
		e = &memEdge{source: src, target: tgt}
		m.edges[key] = e
	}
	e.descriptions = MergeDescriptions(e.descriptions, descriptions)
	if strength > e.strength {
		e.strength = strength
	}
	return existing, nil
}

func (m *Memory) NodeSummaryCandidates(ctx context.Context) ([]NodeCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []NodeCandidate
	for _, n := range m.nodes {
		if n.label == LabelMovie || n.label == LabelReviewer {
			continue
		}
		if len(n.descriptions) == 0 || n.summary != "" {
			continue
		}
		out = append(out, NodeCandidate{
			Label:        n.label,
			Name:         n.name,
			Descriptions: append([]string(nil), n.descriptions...),
		})
	}
	sortNodeCandidates(out)
	return out, nil
}

func (m *Memory) EdgeSummaryCandidates(ctx context.Context) ([]EdgeCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []EdgeCandidate
	for _, e := range m.edges {
		if len(e.descriptions) == 0 || e.summary != "" {
			continue
		}
		out = append(out, EdgeCandidate{
			Source:       e.source,
			Target:       e.target,
			Descriptions: append([]string(nil), e.descriptions...),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source.Name != out[j].Source.Name {
			return out[i].Source.Name < out[j].Source.Name
		}
		return out[i].Target.Name < out[j].Target.Name
	})
	return out, nil
}

func (m *Memory) SaveNodeSummary(ctx context.Context, label, name, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeKey(label, name)]
	if !ok {
		return fmt.Errorf("node %s:%s not found", label, name)
	}
	n.summary = summary
	if n.canonicalID == "" {
		n.canonicalID = CanonicalID(name, label)
	}
	return nil
}

func (m *Memory) SaveEdgeSummary(ctx context.Context, a, b Endpoint, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.edges[PairKey(a, b)]
	if !ok {
		return fmt.Errorf("relationship %s - %s not found", a.Name, b.Name)
	}
	e.summary = summary
	return nil
}

func (m *Memory) PublishableEntities(ctx context.Context) ([]PublishableEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PublishableEntity
	for _, n := range m.nodes {
		if n.summary == "" || n.canonicalID == "" {
			continue
		}
		out = append(out, PublishableEntity{
			Label:       n.label,
			Name:        n.name,
			Summary:     n.summary,
			CanonicalID: n.canonicalID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Chunks(ctx context.Context) ([]ChunkNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChunkNode, 0, len(m.chunks))
	for _, c := range m.chunks {
		out = append(out, ChunkNode{ID: c.id, Text: c.text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Neighborhood(ctx context.Context, chunkIDs []string, hops, limit int) (*Neighborhood, error) {
	if limit <= 0 {
		limit = 200
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	nb := &Neighborhood{}
	seenEntity := make(map[string]bool)
	seenPair := make(map[string]bool)

	var frontier []string
	for _, chunkID := range chunkIDs {
		for key := range m.mentions[chunkID] {
			n, ok := m.nodes[key]
			if !ok || seenEntity[n.name] {
				continue
			}
			seenEntity[n.name] = true
			frontier = append(frontier, n.name)
			nb.Entities = append(nb.Entities, NeighborEntity{
				Name:         n.name,
				Label:        n.label,
				Descriptions: append([]string(nil), n.descriptions...),
				Summary:      n.summary,
			})
		}
	}
	sort.Strings(frontier)

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		inFrontier := make(map[string]bool, len(frontier))
		for _, name := range frontier {
			inFrontier[name] = true
		}

		var next []string
		for _, e := range m.edges {
			if len(nb.Relationships) >= limit {
				break
			}
			var from, to Endpoint
			switch {
			case inFrontier[e.source.Name]:
				from, to = e.source, e.target
			case inFrontier[e.target.Name]:
				from, to = e.target, e.source
			default:
				continue
			}
			if to.Label == LabelReviewer {
				continue
			}

			if key := PairKey(e.source, e.target); !seenPair[key] {
				seenPair[key] = true
				nb.Relationships = append(nb.Relationships, NeighborRelationship{
					SourceName:   from.Name,
					TargetName:   to.Name,
					Descriptions: append([]string(nil), e.descriptions...),
					Summary:      e.summary,
					Strength:     e.strength,
				})
			}
			if !seenEntity[to.Name] {
				seenEntity[to.Name] = true
				next = append(next, to.Name)
				if n, ok := m.nodes[nodeKey(to.Label, to.Name)]; ok {
					nb.Entities = append(nb.Entities, NeighborEntity{
						Name:         n.name,
						Label:        n.label,
						Descriptions: append([]string(nil), n.descriptions...),
						Summary:      n.summary,
					})
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	return nb, nil
}

func (m *Memory) EntityPrompts(ctx context.Context, names []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	for _, n := range m.nodes {
		if n.prompt == "" {
			continue
		}
		for _, name := range names {
			if n.name == name {
				out[name] = n.prompt
			}
		}
	}
	return out, nil
}

func (m *Memory) SetEntityPrompt(ctx context.Context, label, name, prompt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeKey(label, name)]
	if !ok {
		return fmt.Errorf("node %s:%s not found", label, name)
	}
	n.prompt = prompt
	return nil
}

func (m *Memory) EntityContext(ctx context.Context, name string) (*EntityDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var node *memNode
	for _, n := range m.nodes {
		if n.name == name {
			node = n
			break
		}
	}
	if node == nil {
		return nil, fmt.Errorf("entity %q not found", name)
	}

	detail := &EntityDetail{
		Name:         node.name,
		Label:        node.label,
		Descriptions: append([]string(nil), node.descriptions...),
		Summary:      node.summary,
	}
	for _, e := range m.edges {
		switch name {
		case e.source.Name:
			detail.Neighbors = append(detail.Neighbors, NeighborRelationship{
				SourceName: name, TargetName: e.target.Name,
				Descriptions: append([]string(nil), e.descriptions...),
				Summary:      e.summary, Strength: e.strength,
			})
		case e.target.Name:
			detail.Neighbors = append(detail.Neighbors, NeighborRelationship{
				SourceName: name, TargetName: e.source.Name,
				Descriptions: append([]string(nil), e.descriptions...),
				Summary:      e.summary, Strength: e.strength,
			})
		}
	}
	sort.Slice(detail.Neighbors, func(i, j int) bool {
		return detail.Neighbors[i].TargetName < detail.Neighbors[j].TargetName
	})
	return detail, nil
}

func (m *Memory) Schema(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	labels := make(map[string]bool)
	for _, n := range m.nodes {
		labels[n.label] = true
	}
	if len(m.chunks) > 0 {
		labels[LabelChunk] = true
	}
	names := make([]string, 0, len(labels))
	for l := range labels {
		names = append(names, l)
	}
	sort.Strings(names)
	return "Node labels: " + strings.Join(names, ", ") + "\n", nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes = make(map[string]*memNode)
	m.chunks = make(map[string]*memChunk)
	m.edges = make(map[string]*memEdge)
	m.mentions = make(map[string]map[string]bool)
	return nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	stats.Chunks = len(m.chunks)
	stats.Relationships = len(m.edges)
	for _, n := range m.nodes {
		switch n.label {
		case LabelMovie:
			stats.Movies++
		case LabelReviewer:
			stats.Reviewers++
		default:
			stats.Entities++
		}
	}
	for _, targets := range m.mentions {
		stats.Mentions += len(targets)
	}
	return stats, nil
}

func (m *Memory) Close() error { return nil }

// Entity returns a copy of one node's stored state, for assertions.
func (m *Memory) Entity(label, name string) (descriptions []string, summary, canonicalID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeKey(label, name)]
	if !ok {
		return nil, "", "", false
	}
	return append([]string(nil), n.descriptions...), n.summary, n.canonicalID, true
}

// Relationship returns a copy of the single edge between two nodes.
func (m *Memory) Relationship(a, b Endpoint) (descriptions []string, strength float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.edges[PairKey(a, b)]
	if !ok {
		return nil, 0, false
	}
	return append([]string(nil), e.descriptions...), e.strength, true
}

// Mentions reports whether a MENTIONS edge exists from chunk to entity.
func (m *Memory) Mentions(chunkID, label, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mentions[chunkID][nodeKey(label, name)]
}

// EdgeCount returns the number of RELATIONSHIP edges; by construction
// there is at most one per unordered pair.
func (m *Memory) EdgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.edges)
}

func sortNodeCandidates(list []NodeCandidate) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Label != list[j].Label {
			return list[i].Label < list[j].Label
		}
		return list[i].Name < list[j].Name
	})
}
