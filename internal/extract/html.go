package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"priceflow/internal"
)

// HTMLExtractor pulls the largest <table> from an HTML document. Developer
// sites often publish availability as a web page table.
type HTMLExtractor struct {
	Scorer     HeaderScorer
	ScanRows   int
	MinMatches int
}

func (e *HTMLExtractor) Kind() Kind { return KindHTML }

func (e *HTMLExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Data))
	if err != nil {
		return nil, newError(ErrCorrupt, "parse html", err)
	}

	var best [][]string
	doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
		var grid [][]string
		tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) > 0 {
				grid = append(grid, cells)
			}
		})
		if len(grid) > len(best) {
			best = grid
		}
	})

	if len(best) == 0 {
		return nil, newError(ErrNoTables, "document has no tables", nil)
	}
	table := buildTable(best, e.Scorer, e.ScanRows, e.MinMatches)
	if table == nil {
		return nil, newError(ErrNoTables, "tables have no usable rows", nil)
	}
	return table, nil
}
