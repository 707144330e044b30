package extract

import (
	"strings"
	"time"
)

// extractionPrompt asks the model for delimited entity and
// relationship records. The output contract matches what Parse
// accepts; examples pin down the tuple shape so smaller models do not
// drift.
const extractionPrompt = `You are an information extraction engine for film-review transcripts.
Current time: {CURRENT_TIME}

MOVIE CONTEXT:
{MOVIE_CONTEXT}

From the review text below, extract every entity and every relationship between entities.

ENTITY TYPES (use exactly these values):
- MOVIE           : a film title
- REVIEWER        : the critic writing or speaking the review
- ACTOR           : a performer
- MOVIE_CHARACTER : a character within a film
- MOVIE_STAFF     : a director, writer, or other crew member

OUTPUT FORMAT:
- One record per line, records separated by "##".
- Entity records:       ("entity"|<name>|<type>|<description>)
- Relationship records: ("relationship"|<source>|<source type>|<target>|<target type>|<description>|<strength 1-10>)
- Finish the output with <END> on its own line.

Rules:
- Use the exact names from the MOVIE CONTEXT when the text refers to them, even by nickname or partial name.
- Descriptions are one short sentence grounded in the review text.
- Strength is an integer from 1 (weak, incidental) to 10 (central to the review).
- Do not invent entities that the text does not mention.

EXAMPLE:
("entity"|Leonardo DiCaprio|ACTOR|Plays the lead role of Cobb in the film)##
("entity"|Cobb|MOVIE_CHARACTER|A dream extractor haunted by his late wife)##
("relationship"|Leonardo DiCaprio|ACTOR|Cobb|MOVIE_CHARACTER|DiCaprio portrays Cobb|9)##
<END>

REVIEW TEXT:
{INPUT_TEXT}`

// queryEntityPrompt asks the model which entities a user question
// refers to, in the same delimited format so the one parser serves
// both paths.
const queryEntityPrompt = `You are an entity recognition engine for a film knowledge base.
Current time: {CURRENT_TIME}

Identify every film-domain entity the question below refers to: movies, actors, characters, directors and other staff, reviewers.

ENTITY TYPES (use exactly these values): MOVIE, REVIEWER, ACTOR, MOVIE_CHARACTER, MOVIE_STAFF

OUTPUT FORMAT:
- One record per line, records separated by "##".
- ("entity"|<name as written in the question>|<type>|<short reason>)
- Finish with <END>. If there are no entities, output only <END>.

QUESTION:
{INPUT_TEXT}`

// BuildPrompt fills the extraction template for one chunk.
func BuildPrompt(chunkText, movieContext string, now time.Time) string {
	r := strings.NewReplacer(
		"{CURRENT_TIME}", now.Format("2006-01-02 15:04"),
		"{MOVIE_CONTEXT}", movieContext,
		"{INPUT_TEXT}", chunkText,
	)
	return r.Replace(extractionPrompt)
}

// BuildQueryPrompt fills the question-analysis template.
func BuildQueryPrompt(question string, now time.Time) string {
	r := strings.NewReplacer(
		"{CURRENT_TIME}", now.Format("2006-01-02 15:04"),
		"{INPUT_TEXT}", question,
	)
	return r.Replace(queryEntityPrompt)
}
