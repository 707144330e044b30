// Package extract turns chunk text into entity and relationship
// records by prompting the chat model and parsing its delimited
// output. The parser is pure and deterministic; the stage runner adds
// the concurrency.
package extract

import (
	"strconv"
	"strings"

	"github.com/jhyunlee/reelgraph/chunker"
)

// Wire format markers for the extraction output.
const (
	endMarker      = "<END>"
	recordEntity   = "entity"
	recordRelation = "relationship"
	entityArity    = 4
	relationArity  = 7
	legacyRelArity = 5
)

// Parse reads the model's delimited record stream into entity and
// relationship lists. Record order is preserved; malformed records are
// skipped, never fatal.
//
// Records are separated by "##" when present, else "|", else newlines.
// Within a record, fields are separated by "|" when present, else ";",
// else tabs. Each record may be wrapped in parentheses and each field
// in double quotes.
func Parse(raw string) ([]chunker.Entity, []chunker.Relationship) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, endMarker)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var records []string
	switch {
	case strings.Contains(raw, "##"):
		records = strings.Split(raw, "##")
	case strings.Contains(raw, "|"):
		records = strings.Split(raw, "|")
	default:
		records = strings.Split(raw, "\n")
	}

	var entities []chunker.Entity
	var relationships []chunker.Relationship
	for _, record := range records {
		fields := splitRecord(record)
		switch {
		case len(fields) == entityArity && fields[0] == recordEntity:
			if fields[1] == "" {
				continue
			}
			entities = append(entities, chunker.Entity{
				Name:        fields[1],
				Type:        fields[2],
				Description: fields[3],
			})
		case len(fields) == relationArity && fields[0] == recordRelation:
			if fields[1] == "" || fields[3] == "" {
				continue
			}
			relationships = append(relationships, chunker.Relationship{
				SourceName:  fields[1],
				SourceType:  fields[2],
				TargetName:  fields[3],
				TargetType:  fields[4],
				Description: fields[5],
				Strength:    coerceStrength(fields[6]),
			})
		case len(fields) == legacyRelArity && fields[0] == recordRelation:
			// Legacy form without endpoint types.
			if fields[1] == "" || fields[2] == "" {
				continue
			}
			relationships = append(relationships, chunker.Relationship{
				SourceName:  fields[1],
				TargetName:  fields[2],
				Description: fields[3],
				Strength:    coerceStrength(fields[4]),
			})
		}
	}
	return entities, relationships
}

// splitRecord strips the optional enclosing parentheses, picks the
// tuple delimiter by presence, and trims whitespace and quotes from
// each field.
func splitRecord(record string) []string {
	record = strings.TrimSpace(record)
	record = strings.TrimPrefix(record, "(")
	record = strings.TrimSuffix(record, ")")
	if record == "" {
		return nil
	}

	var parts []string
	switch {
	case strings.Contains(record, "|"):
		parts = strings.Split(record, "|")
	case strings.Contains(record, ";"):
		parts = strings.Split(record, ";")
	default:
		parts = strings.Split(record, "\t")
	}

	fields := make([]string, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"`)
		fields[i] = strings.TrimSpace(p)
	}
	return fields
}

// coerceStrength parses a strength token: int when integral, float
// otherwise, and the raw token when it is not numeric at all.
func coerceStrength(token string) any {
	f, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return token
	}
	if f == float64(int(f)) {
		return int(f)
	}
	return f
}

// Render writes entities and relationships back into the delimited
// wire format. Parse(Render(e, r)) returns the same records; tests
// rely on that law.
func Render(entities []chunker.Entity, relationships []chunker.Relationship) string {
	var b strings.Builder
	first := true
	write := func(fields ...string) {
		if !first {
			b.WriteString("##")
		}
		first = false
		b.WriteString(`("`)
		b.WriteString(fields[0])
		b.WriteString(`"`)
		for _, f := range fields[1:] {
			b.WriteString("|")
			b.WriteString(f)
		}
		b.WriteString(")")
		b.WriteString("\n")
	}

	for _, e := range entities {
		write(recordEntity, e.Name, e.Type, e.Description)
	}
	for _, r := range relationships {
		write(recordRelation, r.SourceName, r.SourceType, r.TargetName, r.TargetType,
			r.Description, strengthToken(r.Strength))
	}
	b.WriteString(endMarker)
	return b.String()
}

func strengthToken(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	}
	return "0"
}
