package extract

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"priceflow/internal"
	"priceflow/internal/classify"
)

func mkXLSX(sheet string, rows [][]any) []byte {
	f := excelize.NewFile()
	name := f.GetSheetName(0)
	if sheet != "" {
		_ = f.SetSheetName(name, sheet)
		name = sheet
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			_ = f.SetCellValue(name, cell, v)
		}
	}
	buf := bytes.NewBuffer(nil)
	_, _ = f.WriteTo(buf)
	return buf.Bytes()
}

func testScorer() HeaderScorer {
	return classify.New(classify.NewMemoryStore())
}

func TestPlanFor(t *testing.T) {
	cases := []struct {
		name string
		want []Kind
	}{
		{"prices.xlsx", []Kind{KindSpreadsheet}},
		{"Prices Q3.PDF", []Kind{KindPdfTable}},
		{"units.csv", []Kind{KindSpreadsheet}},
		{"availability.html", []Kind{KindHTML}},
		{"https://docs.google.com/spreadsheets/d/abc123/edit", []Kind{KindRemoteSheet}},
		{"notes.txt", nil},
	}
	for _, tc := range cases {
		got := PlanFor(tc.name)
		if len(got) != len(tc.want) {
			t.Errorf("PlanFor(%q)=%v want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("PlanFor(%q)=%v want %v", tc.name, got, tc.want)
			}
		}
	}
}

func TestSpreadsheetExtractorXLSX(t *testing.T) {
	blob := mkXLSX("Прайс", [][]any{
		{"Oceanview Residences", "", "", ""},
		{"", "", "", ""},
		{"Unit No", "Bedrooms", "Area", "Price"},
		{"A-101", 1, 35.5, 4500000},
		{"A-102", 2, 58.0, 7200000},
	})

	ex := &SpreadsheetExtractor{Scorer: testScorer()}
	table, err := ex.Extract(context.Background(), Input{Data: blob, Filename: "prices.xlsx"})
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows=%d", len(table.Rows))
	}
	if table.Headers[0] != "Unit No" {
		t.Fatalf("header row not detected, headers=%v", table.Headers)
	}
	if table.Rows[0]["Unit No"] != "A-101" {
		t.Fatalf("first row=%v", table.Rows[0])
	}
}

func TestSpreadsheetExtractorCSV(t *testing.T) {
	csvData := []byte("Unit No;Bedrooms;Area;Price\nB-201;2;60;8 500 000\nB-202;1;32;4 100 000\n")
	ex := &SpreadsheetExtractor{Scorer: testScorer()}
	table, err := ex.Extract(context.Background(), Input{Data: csvData, Filename: "units.csv"})
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows=%d", len(table.Rows))
	}
	if table.Rows[1]["Unit No"] != "B-202" {
		t.Fatalf("second row=%v", table.Rows[1])
	}
}

func TestReadCSVWindows1251(t *testing.T) {
	// "Номер,Цена" in cp1251 followed by an ascii data row.
	header := []byte{0xCD, 0xEE, 0xEC, 0xE5, 0xF0, ',', 0xD6, 0xE5, 0xED, 0xE0, '\n'}
	data := append(header, []byte("C-301,5000000\n")...)

	rows, err := readCSV(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0][0] != "Номер" || rows[0][1] != "Цена" {
		t.Fatalf("decoded header=%v", rows[0])
	}
}

func TestHTMLExtractor(t *testing.T) {
	html := `<html><body>
	<table><tr><td>nav</td></tr></table>
	<table>
	  <tr><th>Unit No</th><th>Floor</th><th>Price</th></tr>
	  <tr><td>D-101</td><td>1</td><td>3,900,000</td></tr>
	  <tr><td>D-102</td><td>1</td><td>4,200,000</td></tr>
	  <tr><td>D-201</td><td>2</td><td>4,600,000</td></tr>
	</table></body></html>`

	ex := &HTMLExtractor{Scorer: testScorer()}
	table, err := ex.Extract(context.Background(), Input{Data: []byte(html), Filename: "availability.html"})
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Rows) != 3 {
		t.Fatalf("rows=%d", len(table.Rows))
	}
	if table.Rows[2]["Unit No"] != "D-201" {
		t.Fatalf("last row=%v", table.Rows[2])
	}
}

func TestSpreadsheetID(t *testing.T) {
	id, err := SpreadsheetID("https://docs.google.com/spreadsheets/d/1AbC_-9/edit#gid=0")
	if err != nil {
		t.Fatal(err)
	}
	if id != "1AbC_-9" {
		t.Fatalf("id=%q", id)
	}
	if _, err := SpreadsheetID("https://example.com/file.xlsx"); err == nil {
		t.Fatal("expected error for non-sheets url")
	}
}

func TestChainFallback(t *testing.T) {
	fail := fakeExtractor{kind: KindSpreadsheet, err: newError(ErrCorrupt, "boom", nil)}
	ok := fakeExtractor{kind: KindAIText, table: &internal.ExtractedTable{
		Headers: []string{"unit_number"},
		Rows:    []map[string]string{{"unit_number": "A-101"}},
	}}

	chain := NewChain([]Extractor{fail, ok}, true)
	out, err := chain.Run(context.Background(), Input{Filename: "prices.xlsx", Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	if out.Method != KindAIText {
		t.Fatalf("method=%s", out.Method)
	}
	if !out.FallbackUsed {
		t.Fatal("fallback not recorded")
	}
	if len(out.Warnings) == 0 {
		t.Fatal("expected failure warning from first extractor")
	}
}

func TestChainUnsupported(t *testing.T) {
	chain := NewChain(nil, false)
	_, err := chain.Run(context.Background(), Input{Filename: "notes.txt"})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != ErrUnsupported {
		t.Fatalf("kind=%s", KindOf(err))
	}
}

func TestChainUsableBar(t *testing.T) {
	empty := fakeExtractor{kind: KindSpreadsheet, table: &internal.ExtractedTable{
		Headers: []string{"a"},
		Rows:    []map[string]string{{"a": ""}},
	}}
	chain := NewChain([]Extractor{empty}, false)
	chain.Usable = func(tbl *internal.ExtractedTable) bool { return false }

	_, err := chain.Run(context.Background(), Input{Filename: "prices.xlsx", Data: []byte("x")})
	if err == nil || KindOf(err) != ErrNoTables {
		t.Fatalf("err=%v", err)
	}
}

func TestRateLimiterStopsOnCancel(t *testing.T) {
	rl := NewRateLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := rl.WaitTurn(ctx); err != nil {
		t.Fatal(err)
	}

	cancel()
	start := time.Now()
	if err := rl.WaitTurn(ctx); err == nil {
		t.Fatal("expected context error for queued wait")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("waited out the turn despite cancelled context")
	}
}

func TestDetectHeaderRowDefaultsToFirst(t *testing.T) {
	rows := [][]string{
		{"just", "some", "text"},
		{"more", "random", "cells"},
	}
	if got := detectHeaderRow(rows, testScorer(), 10, 3); got != 0 {
		t.Fatalf("got=%d", got)
	}
}

func TestClusterCellsSplitsOnGaps(t *testing.T) {
	row := pdfTextRow([]pdfRun{
		{x: 10, w: 30, s: "A-101"},
		{x: 120, w: 10, s: "2"},
		{x: 200, w: 50, s: "4,500,000"},
	})
	cells := clusterCells(row)
	if len(cells) != 3 {
		t.Fatalf("cells=%v", cells)
	}
	if cells[2] != "4,500,000" {
		t.Fatalf("cells=%v", cells)
	}

	// runs closer than the gap threshold stay in one cell
	joined := clusterCells(pdfTextRow([]pdfRun{
		{x: 10, w: 20, s: "4,500"},
		{x: 32, w: 20, s: ",000"},
	}))
	if len(joined) != 1 || joined[0] != "4,500,000" {
		t.Fatalf("joined=%v", joined)
	}
}

type fakeExtractor struct {
	kind  Kind
	table *internal.ExtractedTable
	err   error
}

func (f fakeExtractor) Kind() Kind { return f.kind }
func (f fakeExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	return f.table, f.err
}

type pdfRun struct {
	x, w float64
	s    string
}

func pdfTextRow(runs []pdfRun) (out pdf.TextHorizontal) {
	for _, r := range runs {
		out = append(out, pdf.Text{X: r.x, W: r.w, S: r.s})
	}
	return out
}
