package extract

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"priceflow/internal"
)

// cellGapPt is the horizontal whitespace, in PDF points, that separates two
// text runs into different table cells.
const cellGapPt = 14.0

// PDFExtractor recovers tables from text-layer PDFs by clustering each text
// row's runs into cells on x-position gaps. Scanned PDFs have no text layer
// and fail with ErrNoText, which sends them down the AI path.
type PDFExtractor struct {
	Scorer     HeaderScorer
	ScanRows   int
	MinMatches int
}

func (e *PDFExtractor) Kind() Kind { return KindPdfTable }

func (e *PDFExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	r, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return nil, newError(ErrCorrupt, "open pdf", err)
	}

	var grid [][]string
	hasText := false
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		rows, err := p.GetTextByRow()
		if err != nil {
			continue
		}
		for _, row := range rows {
			cells := clusterCells(row.Content)
			if len(cells) == 0 {
				continue
			}
			hasText = true
			if len(cells) >= 2 {
				grid = append(grid, cells)
			}
		}
	}

	if !hasText {
		return nil, newError(ErrNoText, "pdf has no extractable text layer", nil)
	}
	table := buildTable(grid, e.Scorer, e.ScanRows, e.MinMatches)
	if table == nil {
		return nil, newError(ErrNoTables, "pdf text does not form a table", nil)
	}
	return table, nil
}

// clusterCells joins adjacent text runs into one cell and starts a new cell
// whenever the gap to the previous run exceeds cellGapPt.
func clusterCells(content pdf.TextHorizontal) []string {
	runs := make([]pdf.Text, len(content))
	copy(runs, content)
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].X < runs[b].X })

	var cells []string
	var cur strings.Builder
	prevEnd := -1.0
	for _, t := range runs {
		if t.S == "" {
			continue
		}
		if prevEnd >= 0 && t.X-prevEnd > cellGapPt {
			if s := strings.TrimSpace(cur.String()); s != "" {
				cells = append(cells, s)
			}
			cur.Reset()
		}
		cur.WriteString(t.S)
		prevEnd = t.X + t.W
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		cells = append(cells, s)
	}
	return cells
}

// pdfPlainText flattens every page's text layer, one page per block.
func pdfPlainText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", newError(ErrCorrupt, "open pdf", err)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "", newError(ErrNoText, "pdf has no extractable text layer", nil)
	}
	return b.String(), nil
}

// PageCount reports how many pages a PDF has, for bounding AI vision calls.
func PageCount(content []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}
