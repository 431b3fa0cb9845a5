package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"priceflow/internal"
)

var sheetKeywords = []string{"price", "прайс", "цен", "units", "лоты", "стоимость", "availability"}

// SpreadsheetExtractor reads xlsx and csv uploads into a single table.
// For workbooks with several sheets it prefers the hinted sheet, then any
// sheet whose name mentions prices, then the sheet with the most rows.
type SpreadsheetExtractor struct {
	Scorer     HeaderScorer
	ScanRows   int
	MinMatches int
}

func (e *SpreadsheetExtractor) Kind() Kind { return KindSpreadsheet }

func (e *SpreadsheetExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	if strings.HasSuffix(strings.ToLower(in.Filename), ".csv") {
		return e.extractCSV(in.Data)
	}
	return e.extractXLSX(in.Data, in.SheetHint)
}

func (e *SpreadsheetExtractor) extractXLSX(content []byte, sheetHint string) (*internal.ExtractedTable, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, newError(ErrCorrupt, "open workbook", err)
	}
	defer f.Close()

	sheet := pickSheet(f, sheetHint)
	if sheet == "" {
		return nil, newError(ErrNoTables, "workbook has no sheets", nil)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, newError(ErrCorrupt, "read sheet "+sheet, err)
	}

	table := buildTable(rows, e.Scorer, e.ScanRows, e.MinMatches)
	if table == nil {
		return nil, newError(ErrNoTables, "sheet "+sheet+" has no tabular data", nil)
	}
	return table, nil
}

func pickSheet(f *excelize.File, hint string) string {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return ""
	}
	if hint != "" {
		for _, s := range sheets {
			if strings.EqualFold(s, hint) {
				return s
			}
		}
	}
	for _, s := range sheets {
		ls := strings.ToLower(s)
		for _, kw := range sheetKeywords {
			if strings.Contains(ls, kw) {
				return s
			}
		}
	}

	best, bestRows := sheets[0], -1
	for _, s := range sheets {
		rows, err := f.GetRows(s)
		if err != nil {
			continue
		}
		if len(rows) > bestRows {
			best, bestRows = s, len(rows)
		}
	}
	return best
}

func (e *SpreadsheetExtractor) extractCSV(content []byte) (*internal.ExtractedTable, error) {
	rows, err := readCSV(content)
	if err != nil {
		return nil, newError(ErrCorrupt, "parse csv", err)
	}
	table := buildTable(rows, e.Scorer, e.ScanRows, e.MinMatches)
	if table == nil {
		return nil, newError(ErrNoTables, "csv has no tabular data", nil)
	}
	return table, nil
}

// readCSV decodes windows-1251 or latin1 content when the bytes are not
// valid UTF-8, then parses with a sniffed delimiter.
func readCSV(content []byte) ([][]string, error) {
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(content) {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(content)
		if err != nil || !utf8.Valid(decoded) {
			decoded, err = charmap.ISO8859_1.NewDecoder().Bytes(content)
			if err != nil {
				return nil, err
			}
		}
		content = decoded
	}

	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = sniffDelimiter(content)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func sniffDelimiter(content []byte) rune {
	firstLine := content
	if i := bytes.IndexByte(content, '\n'); i >= 0 {
		firstLine = content[:i]
	}
	candidates := []rune{',', ';', '\t'}
	best, bestN := ',', 0
	for _, d := range candidates {
		n := strings.Count(string(firstLine), string(d))
		if n > bestN {
			best, bestN = d, n
		}
	}
	return best
}
