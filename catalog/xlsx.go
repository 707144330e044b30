package catalog

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// loadXLSXRows reads the first sheet of a workbook catalog. Row one is
// the header, exactly as in the CSV exports of the same data.
func loadXLSXRows(path string) ([]row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", sheets[0], err)
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
