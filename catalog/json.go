package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// loadJSONRows reads a JSON catalog file: an array of flat objects whose
// keys match the CSV headers. Values may be strings, numbers, or string
// arrays (arrays are re-joined so splitSynonyms sees the same shape as a
// CSV cell).
func loadJSONRows(path string) ([]row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing json %s: %w", path, err)
	}

	rows := make([]row, 0, len(records))
	for _, rec := range records {
		r := make(row, len(rec))
		for k, v := range rec {
			key := strings.ToLower(strings.TrimSpace(k))
			if key == "" {
				continue
			}
			r[key] = jsonCell(v)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func jsonCell(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Years and counts arrive as JSON numbers.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := jsonCell(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
