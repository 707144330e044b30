// Package graph is the typed read/write contract over the labeled
// property graph: entity nodes keyed by (label, name), chunk nodes
// carrying provenance, and a single undirected RELATIONSHIP edge class
// between domain nodes. The concurrent two-phase writer lives here too.
package graph

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Entity labels. The set is closed at the adapter boundary: labels are
// substituted into openCypher text, so they must never come from user
// input directly.
const (
	LabelMovie     = "MOVIE"
	LabelReviewer  = "REVIEWER"
	LabelActor     = "ACTOR"
	LabelCharacter = "MOVIE_CHARACTER"
	LabelStaff     = "MOVIE_STAFF"

	// LabelChunk is reserved for chunk nodes.
	LabelChunk = "__Chunk__"
)

// Relationship types.
const (
	RelHasChunk     = "HAS_CHUNK"
	RelWrittenBy    = "WRITTEN_BY"
	RelMentions     = "MENTIONS"
	RelRelationship = "RELATIONSHIP"
)

// domainLabels is the closed set of extractable entity labels, plus the
// provenance labels the writer also creates.
var domainLabels = map[string]bool{
	LabelMovie:     true,
	LabelReviewer:  true,
	LabelActor:     true,
	LabelCharacter: true,
	LabelStaff:     true,
}

// ValidLabel reports whether label belongs to the closed entity label
// set. Unknown labels from extraction fall back to a safe default at
// the call site rather than reaching query text.
func ValidLabel(label string) bool {
	return domainLabels[label]
}

// NormalizeLabel maps an extracted type string onto the closed label
// set. Matching is case-insensitive and tolerant of spaces and dashes;
// anything unrecognized is kept as-is only if it is already a valid
// label, otherwise the empty string is returned.
func NormalizeLabel(s string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	up = strings.NewReplacer(" ", "_", "-", "_").Replace(up)
	switch up {
	case LabelMovie, LabelReviewer, LabelActor, LabelCharacter, LabelStaff:
		return up
	case "CHARACTER":
		return LabelCharacter
	case "STAFF", "DIRECTOR":
		return LabelStaff
	}
	return ""
}

// Endpoint identifies one end of a relationship.
type Endpoint struct {
	Name  string
	Label string
}

// CanonicalPair orders two endpoints into the stored orientation:
// the smaller name becomes the source. Edges are undirected at read
// time; the fixed orientation makes pair dedup trivial.
func CanonicalPair(a, b Endpoint) (Endpoint, Endpoint) {
	if a.Name > b.Name {
		return b, a
	}
	return a, b
}

// PairKey is the unordered-pair identity of a relationship, used to
// group and deduplicate edges before writing.
func PairKey(a, b Endpoint) string {
	src, tgt := CanonicalPair(a, b)
	return src.Name + "\x00" + src.Label + "\x00" + tgt.Name + "\x00" + tgt.Label
}

// slugRe collapses every run of characters outside word characters and
// Hangul syllables into a single underscore.
var slugRe = regexp.MustCompile(`[^\w가-힣]+`)

// Slug normalizes a name for use inside a canonical identifier.
func Slug(name string) string {
	s := slugRe.ReplaceAllString(name, "_")
	return strings.Trim(s, "_")
}

// CanonicalID builds the stable identifier assigned to a node on first
// create: slugged name, label, and a random suffix. Once assigned it is
// never rewritten.
func CanonicalID(name, label string) string {
	return Slug(name) + "_" + label + "_" + uuid.NewString()[:8]
}

// DecodeDescriptions parses a stored description property. The store
// has no array properties, so lists are serialized JSON; bare strings
// from older writes are wrapped as a one-element list.
func DecodeDescriptions(stored string) []string {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(stored), &list); err == nil {
		return list
	}
	return []string{stored}
}

// EncodeDescriptions serializes a description list for storage.
func EncodeDescriptions(list []string) string {
	if len(list) == 0 {
		return ""
	}
	data, _ := json.Marshal(list)
	return string(data)
}

// MergeDescriptions appends new fragments onto an existing list with
// set semantics: duplicates and blanks are dropped, first-seen order
// is preserved.
func MergeDescriptions(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, d := range existing {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		merged = append(merged, d)
	}
	for _, d := range incoming {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		merged = append(merged, d)
	}
	return merged
}
