package summarize

import (
	"strings"

	"github.com/jhyunlee/reelgraph/graph"
)

const nodePrompt = `You are summarizing an entity from a film-review knowledge graph.

ENTITY: {NAME} (type: {LABEL})

The following observations were collected from different reviews:
{DESCRIPTIONS}

Write one coherent summary paragraph in the language of the observations.
Merge overlapping observations; keep every distinct fact; do not invent anything.

Reply with JSON only:
{"entity": "{NAME}", "summary": "<the summary>"}`

const edgePrompt = `You are summarizing a relationship from a film-review knowledge graph.

RELATIONSHIP: {SOURCE} - {TARGET}

The following observations about this relationship were collected from different reviews:
{DESCRIPTIONS}

Write one coherent summary sentence or two in the language of the observations.
Merge overlapping observations; keep every distinct fact; do not invent anything.

Reply with JSON only:
{"entity": "{SOURCE} - {TARGET}", "summary": "<the summary>"}`

func buildNodePrompt(node graph.NodeCandidate) string {
	r := strings.NewReplacer(
		"{NAME}", node.Name,
		"{LABEL}", node.Label,
		"{DESCRIPTIONS}", strings.Join(node.Descriptions, ", "),
	)
	return r.Replace(nodePrompt)
}

func buildEdgePrompt(edge graph.EdgeCandidate) string {
	r := strings.NewReplacer(
		"{SOURCE}", edge.Source.Name,
		"{TARGET}", edge.Target.Name,
		"{DESCRIPTIONS}", strings.Join(edge.Descriptions, ", "),
	)
	return r.Replace(edgePrompt)
}
