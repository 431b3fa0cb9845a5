package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"priceflow/internal"
	"priceflow/internal/classify"
	"priceflow/internal/extract"
)

func mkXLSX(rows [][]any) []byte {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	buf := bytes.NewBuffer(nil)
	_, _ = f.WriteTo(buf)
	return buf.Bytes()
}

func testManager(t *testing.T, ttl time.Duration) (*Manager, *classify.Classifier) {
	t.Helper()
	classifier := classify.New(classify.NewMemoryStore())
	chain := extract.NewChain([]extract.Extractor{
		&extract.SpreadsheetExtractor{Scorer: classifier},
	}, false)
	m := NewManager(chain, classifier, 0.5, ttl)
	t.Cleanup(m.Close)
	return m, classifier
}

func fixture() []byte {
	return mkXLSX([][]any{
		{"Unit No", "Bedrooms", "Area", "Price", "Status"},
		{"A-101", 1, 35.5, 4500000, "Available"},
		{"A-102", 2, 58.0, 7200000, "Sold"},
	})
}

func TestUploadDetectsColumns(t *testing.T) {
	m, _ := testManager(t, time.Minute)

	s, err := m.Upload(context.Background(), "prices.xlsx", fixture(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateDetected {
		t.Fatalf("state=%s error=%s", s.State, s.Error)
	}
	if len(s.Suggestions) != 5 {
		t.Fatalf("suggestions=%d", len(s.Suggestions))
	}

	byHeader := map[string]string{}
	for _, sg := range s.Suggestions {
		byHeader[sg.Header] = sg.SuggestedField
	}
	if byHeader["Unit No"] != internal.FieldUnitNumber {
		t.Fatalf("Unit No -> %s", byHeader["Unit No"])
	}
	if byHeader["Price"] != internal.FieldPrice {
		t.Fatalf("Price -> %s", byHeader["Price"])
	}

	if len(s.Preview) != 2 {
		t.Fatalf("preview rows=%d", len(s.Preview))
	}
	if s.Preview[0][0] != "A-101" {
		t.Fatalf("preview[0][0]=%q", s.Preview[0][0])
	}
}

func TestParseWithAutoAcceptedMapping(t *testing.T) {
	m, _ := testManager(t, time.Minute)

	s, err := m.Upload(context.Background(), "prices.xlsx", fixture(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.Parse(s.ID, "THB")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("error=%s type=%s", result.ErrorMessage, result.ErrorType)
	}
	if len(result.Data.Units) != 2 {
		t.Fatalf("units=%d", len(result.Data.Units))
	}
	u := result.Data.Units[0]
	if u.UnitNumber != "A-101" || u.Price == nil || *u.Price != 4500000 {
		t.Fatalf("unit=%+v", u)
	}
	if result.Method != string(extract.KindSpreadsheet) {
		t.Fatalf("method=%s", result.Method)
	}

	got, ok := m.Get(s.ID)
	if !ok || got.State != StateParsed {
		t.Fatalf("state=%v", got)
	}
}

func TestConfirmFeedsClassifier(t *testing.T) {
	m, classifier := testManager(t, time.Minute)

	blob := mkXLSX([][]any{
		{"Unit No", "Размер", "Price"},
		{"A-101", 35.5, 4500000},
	})
	s, err := m.Upload(context.Background(), "prices.xlsx", blob, "", "")
	if err != nil {
		t.Fatal(err)
	}

	mapping := map[string]string{
		"Unit No": internal.FieldUnitNumber,
		"Размер":  internal.FieldArea,
		"Price":   internal.FieldPrice,
	}
	if _, err := m.Confirm(s.ID, mapping); err != nil {
		t.Fatal(err)
	}

	// the correction is learned for the next upload
	field, confidence := classifier.Suggest("Размер")
	if field != internal.FieldArea {
		t.Fatalf("field=%s", field)
	}
	if confidence < 0.9 {
		t.Fatalf("confidence=%f", confidence)
	}

	result, err := m.Parse(s.ID, "THB")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("error=%s", result.ErrorMessage)
	}
	if result.Data.Units[0].AreaSqm == nil || *result.Data.Units[0].AreaSqm != 35.5 {
		t.Fatalf("area=%v", result.Data.Units[0].AreaSqm)
	}
}

func TestParseWithoutUnitNumberColumn(t *testing.T) {
	m, _ := testManager(t, time.Minute)

	blob := mkXLSX([][]any{
		{"Something", "Price", "Area", "Floor"},
		{"x", 4500000, 35, 3},
	})
	s, err := m.Upload(context.Background(), "prices.xlsx", blob, "", "")
	if err != nil {
		t.Fatal(err)
	}

	result, err := m.Parse(s.ID, "THB")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("expected parse to fail")
	}
	if result.ErrorType != ErrorTypeMissingColumn {
		t.Fatalf("type=%s", result.ErrorType)
	}
}

func TestDestroy(t *testing.T) {
	m, _ := testManager(t, time.Minute)

	s, err := m.Upload(context.Background(), "prices.xlsx", fixture(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Destroy(s.ID) {
		t.Fatal("destroy reported missing session")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Fatal("session survived destroy")
	}
	if m.Destroy(s.ID) {
		t.Fatal("double destroy reported success")
	}
}

func TestJanitorEvictsIdleSessions(t *testing.T) {
	m, _ := testManager(t, 20*time.Millisecond)

	s, err := m.Upload(context.Background(), "prices.xlsx", fixture(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	// Get refreshes LastActive, so inspect the map directly while polling.
	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		_, alive := m.sessions[s.ID]
		m.mu.Unlock()
		if !alive {
			return
		}
		select {
		case <-deadline:
			t.Fatal("session not evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
