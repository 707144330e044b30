package catalog

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
)

// utf8BOM is stripped from CSV files exported by spreadsheet tools.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// loadCSVRows reads a CSV catalog file. The first row is the header;
// header keys are case-folded. Rows with a different column count than
// the header are tolerated (csv.Reader is set lenient) because the
// source exports are hand-maintained.
func loadCSVRows(path string) ([]row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	headers := records[0]
	rows := make([]row, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) == 0 {
			continue
		}
		rows = append(rows, newRow(headers, rec))
	}
	return rows, nil
}
