package extract

import (
	"fmt"
	"strings"

	"priceflow/internal"
)

const (
	defaultHeaderScanRows   = 10
	defaultHeaderMinMatches = 3
)

// detectHeaderRow scores the first few rows by how many cells the scorer can
// map to a known field. The best-scoring row with at least minMatches wins;
// otherwise the first row is assumed to be the header.
func detectHeaderRow(rows [][]string, scorer HeaderScorer, scanRows, minMatches int) int {
	if scanRows <= 0 {
		scanRows = defaultHeaderScanRows
	}
	if minMatches <= 0 {
		minMatches = defaultHeaderMinMatches
	}
	if scanRows > len(rows) {
		scanRows = len(rows)
	}

	best, bestScore := 0, 0
	for i := 0; i < scanRows; i++ {
		score := 0
		for _, cell := range rows[i] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			field, conf := scorer.Suggest(cell)
			if field != internal.FieldUnknown && conf >= 0.3 {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if bestScore < minMatches {
		return 0
	}
	return best
}

// buildTable turns a raw cell grid into an ExtractedTable keyed by the
// detected header row. Fully empty rows are dropped; duplicate or blank
// headers get positional names so no column is lost.
func buildTable(rows [][]string, scorer HeaderScorer, scanRows, minMatches int) *internal.ExtractedTable {
	rows = trimEmptyRows(rows)
	if len(rows) < 2 {
		return nil
	}

	headerIdx := detectHeaderRow(rows, scorer, scanRows, minMatches)
	headers := uniqueHeaders(rows[headerIdx])

	table := &internal.ExtractedTable{Headers: headers}
	for _, row := range rows[headerIdx+1:] {
		if isEmptyRow(row) {
			continue
		}
		record := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				record[h] = strings.TrimSpace(row[i])
			} else {
				record[h] = ""
			}
		}
		table.Rows = append(table.Rows, record)
	}
	if len(table.Rows) == 0 {
		return nil
	}
	return table
}

func uniqueHeaders(row []string) []string {
	seen := map[string]int{}
	headers := make([]string, 0, len(row))
	for i, h := range row {
		h = strings.TrimSpace(h)
		if h == "" {
			h = positionalName(i)
		}
		if n, dup := seen[h]; dup {
			seen[h] = n + 1
			h = h + "_" + positionalName(i)
		} else {
			seen[h] = 1
		}
		headers = append(headers, h)
	}
	return headers
}

func positionalName(i int) string {
	return fmt.Sprintf("column_%d", i+1)
}

func isEmptyRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimEmptyRows(rows [][]string) [][]string {
	out := rows[:0:0]
	for _, r := range rows {
		if !isEmptyRow(r) {
			out = append(out, r)
		}
	}
	return out
}
