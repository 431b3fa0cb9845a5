package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"priceflow/internal"
	"priceflow/internal/storage"
	"priceflow/internal/util"
)

func testEngine(t *testing.T) (*Engine, *storage.DB, internal.Project) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	project, err := db.GetOrCreateProject("Oceanview")
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(db, nil), db, project
}

func parsedData(units ...internal.ParsedUnit) *internal.ParsedData {
	for i := range units {
		units[i].IsValid = true
		if units[i].Currency == "" {
			units[i].Currency = "THB"
		}
	}
	return &internal.ParsedData{Units: units, Currency: "THB"}
}

func unit(number string, price float64, status internal.UnitStatus) internal.ParsedUnit {
	return internal.ParsedUnit{
		UnitNumber: number,
		Price:      util.FloatPtr(price),
		Status:     status,
	}
}

func TestRunCreatesUnits(t *testing.T) {
	e, db, project := testEngine(t)

	v, dup, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable), unit("A-102", 7200000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		FileName:   "prices.xlsx",
		RawContent: []byte("v1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("unexpected duplicate")
	}
	if v.Status != internal.VersionCompleted {
		t.Fatalf("status=%s errors=%v", v.Status, v.Errors)
	}
	if v.VersionNumber != 1 {
		t.Fatalf("version=%d", v.VersionNumber)
	}
	if v.UnitsCreated != 2 || v.UnitsUpdated != 0 {
		t.Fatalf("created=%d updated=%d", v.UnitsCreated, v.UnitsUpdated)
	}
	if v.ExchangeRateUSD == nil {
		t.Fatal("exchange rate not pinned")
	}

	units, err := db.ListUnits(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	u, ok := units["A-101"]
	if !ok {
		t.Fatal("A-101 not in catalog")
	}
	if u.PriceUSD == nil || *u.PriceUSD <= 0 {
		t.Fatalf("usd price=%v", u.PriceUSD)
	}
}

func TestRunDiffsAgainstCatalog(t *testing.T) {
	e, db, project := testEngine(t)

	if _, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable), unit("A-102", 7200000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	}); err != nil {
		t.Fatal(err)
	}

	// A-101 price up, A-102 sold, both recorded in history
	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4950000, internal.StatusAvailable), unit("A-102", 7200000, internal.StatusSold)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.VersionNumber != 2 {
		t.Fatalf("version=%d", v.VersionNumber)
	}
	if v.UnitsUpdated != 2 || v.UnitsCreated != 0 || v.UnitsUnchanged != 0 {
		t.Fatalf("created=%d updated=%d unchanged=%d", v.UnitsCreated, v.UnitsUpdated, v.UnitsUnchanged)
	}

	history, err := db.HistoryForVersion(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history=%d", len(history))
	}

	byType := map[internal.ChangeType]internal.PriceHistory{}
	for _, h := range history {
		byType[h.ChangeType] = h
	}
	inc, ok := byType[internal.ChangeIncrease]
	if !ok {
		t.Fatalf("no increase record: %+v", history)
	}
	if inc.PriceChangePercent == nil || *inc.PriceChangePercent != 10.0 {
		t.Fatalf("pct=%v", inc.PriceChangePercent)
	}
	if _, ok := byType[internal.ChangeStatusChange]; !ok {
		t.Fatalf("no status_change record: %+v", history)
	}
}

func TestRunUnchangedIsIdempotent(t *testing.T) {
	e, _, project := testEngine(t)

	data := parsedData(unit("A-101", 4500000, internal.StatusAvailable))
	if _, _, err := e.Run(Request{ProjectID: project.ID, Data: data, SourceType: internal.SourceExcel, RawContent: []byte("v1")}); err != nil {
		t.Fatal(err)
	}

	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.UnitsUnchanged != 1 || v.UnitsUpdated != 0 || v.UnitsCreated != 0 {
		t.Fatalf("created=%d updated=%d unchanged=%d", v.UnitsCreated, v.UnitsUpdated, v.UnitsUnchanged)
	}
}

func TestDuplicateFileReturnsExistingVersion(t *testing.T) {
	e, _, project := testEngine(t)

	content := []byte("same file bytes")
	first, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: content,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, dup, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: content,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("duplicate not detected")
	}
	if second.ID != first.ID {
		t.Fatalf("expected version %d, got %d", first.ID, second.ID)
	}
}

func TestInvalidUnitsCountedAsErrors(t *testing.T) {
	e, _, project := testEngine(t)

	bad := internal.ParsedUnit{UnitNumber: "", IsValid: false, ValidationErrors: []string{"unit_number is required"}, Currency: "THB"}
	data := parsedData(unit("A-101", 4500000, internal.StatusAvailable))
	data.Units = append(data.Units, bad)

	v, _, err := e.Run(Request{ProjectID: project.ID, Data: data, SourceType: internal.SourceExcel, RawContent: []byte("v1")})
	if err != nil {
		t.Fatal(err)
	}
	if v.UnitsErrors != 1 || v.UnitsCreated != 1 {
		t.Fatalf("errors=%d created=%d", v.UnitsErrors, v.UnitsCreated)
	}
	if len(v.Errors) != 1 {
		t.Fatalf("errors=%v", v.Errors)
	}
	// a version with row errors is parked for review, not completed
	if v.Status != internal.VersionRequiresReview {
		t.Fatalf("status=%s", v.Status)
	}
}

func TestAllInvalidFails(t *testing.T) {
	e, _, project := testEngine(t)

	bad := internal.ParsedUnit{UnitNumber: "", IsValid: false, Currency: "THB"}
	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       &internal.ParsedData{Units: []internal.ParsedUnit{bad}, Currency: "THB"},
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != internal.VersionFailed {
		t.Fatalf("status=%s", v.Status)
	}
}

func TestReviewWorkflow(t *testing.T) {
	e, db, project := testEngine(t)

	if _, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	}); err != nil {
		t.Fatal(err)
	}

	// a price update flags the unit and the project for review
	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4950000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v2"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.UnitsUpdated != 1 {
		t.Fatalf("updated=%d", v.UnitsUpdated)
	}
	units, err := db.ListUnits(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !units["A-101"].RequiresReview {
		t.Fatal("updated unit not flagged for review")
	}
	p, err := db.GetProject(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.RequiresReview {
		t.Fatal("project not flagged for review")
	}

	approved, err := e.Review(v.ID, true, "checked against the developer portal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != internal.VersionApproved {
		t.Fatalf("status=%s", approved.Status)
	}
	if approved.ReviewedAt == nil {
		t.Fatal("reviewedAt not stamped")
	}

	// approval clears the review flags and stamps the verification time
	p, err = db.GetProject(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.RequiresReview {
		t.Fatal("project flag not cleared by approval")
	}
	if p.VerifiedAt == nil {
		t.Fatal("verifiedAt not stamped")
	}
	units, err = db.ListUnits(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if units["A-101"].RequiresReview {
		t.Fatal("unit flag not cleared by approval")
	}

	// approved is terminal
	if _, err := e.Review(v.ID, false, "", nil); err == nil {
		t.Fatal("expected review on approved version to fail")
	}
}

func TestRejectLeavesProjectFlagged(t *testing.T) {
	e, db, project := testEngine(t)

	if _, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4500000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	}); err != nil {
		t.Fatal(err)
	}
	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4950000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v2"),
	})
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := e.Review(v.ID, false, "prices look wrong", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != internal.VersionRejected {
		t.Fatalf("status=%s", rejected.Status)
	}
	p, err := db.GetProject(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.RequiresReview {
		t.Fatal("rejection must not clear the project flag")
	}
	if p.VerifiedAt != nil {
		t.Fatal("rejection must not stamp verification")
	}
}

func TestRetryFromFailed(t *testing.T) {
	e, _, project := testEngine(t)

	bad := internal.ParsedUnit{UnitNumber: "", IsValid: false, Currency: "THB"}
	failed, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       &internal.ParsedData{Units: []internal.ParsedUnit{bad}, Currency: "THB"},
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != internal.VersionFailed {
		t.Fatalf("status=%s", failed.Status)
	}

	retried, err := e.Retry(failed.ID, parsedData(unit("A-101", 4500000, internal.StatusAvailable)))
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != internal.VersionCompleted {
		t.Fatalf("status=%s errors=%v", retried.Status, retried.Errors)
	}
	if retried.VersionNumber != failed.VersionNumber {
		t.Fatalf("version number changed: %d -> %d", failed.VersionNumber, retried.VersionNumber)
	}

	// completed versions cannot be retried
	if _, err := e.Retry(retried.ID, parsedData(unit("A-101", 1, internal.StatusAvailable))); err == nil {
		t.Fatal("expected retry on completed version to fail")
	}
}

func TestVersionNumbersMonotonic(t *testing.T) {
	e, _, project := testEngine(t)

	for i, content := range []string{"a", "b", "c"} {
		v, _, err := e.Run(Request{
			ProjectID:  project.ID,
			Data:       parsedData(unit("A-101", float64(4500000+i*1000000), internal.StatusAvailable)),
			SourceType: internal.SourceExcel,
			RawContent: []byte(content),
		})
		if err != nil {
			t.Fatal(err)
		}
		if v.VersionNumber != i+1 {
			t.Fatalf("version=%d want %d", v.VersionNumber, i+1)
		}
	}
}

func TestUnitNumberMatchIgnoresCase(t *testing.T) {
	e, db, project := testEngine(t)

	seed := internal.CatalogUnit{
		ProjectID:  project.ID,
		UnitNumber: "a-101",
		Price:      util.FloatPtr(4500000),
		Currency:   "THB",
		Status:     internal.StatusAvailable,
	}
	if err := db.ApplyChanges(0, []storage.UnitChange{{Unit: seed}}); err != nil {
		t.Fatal(err)
	}

	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("A-101", 4950000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.UnitsUpdated != 1 || v.UnitsCreated != 0 {
		t.Fatalf("created=%d updated=%d", v.UnitsCreated, v.UnitsUpdated)
	}
	units, err := db.ListUnits(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 {
		t.Fatalf("catalog has %d units, want 1", len(units))
	}
}

func TestGainedPriceLeavesNoHistory(t *testing.T) {
	e, db, project := testEngine(t)

	seed := internal.CatalogUnit{
		ProjectID:  project.ID,
		UnitNumber: "B-201",
		Currency:   "THB",
		Status:     internal.StatusAvailable,
	}
	if err := db.ApplyChanges(0, []storage.UnitChange{{Unit: seed}}); err != nil {
		t.Fatal(err)
	}

	// the unit gains a price but there is no prior one to diff against
	v, _, err := e.Run(Request{
		ProjectID:  project.ID,
		Data:       parsedData(unit("B-201", 5000000, internal.StatusAvailable)),
		SourceType: internal.SourceExcel,
		RawContent: []byte("v1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.UnitsUpdated != 1 {
		t.Fatalf("updated=%d", v.UnitsUpdated)
	}
	history, err := db.HistoryForVersion(v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("history=%+v", history)
	}
	units, err := db.ListUnits(project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if units["B-201"].Price == nil || *units["B-201"].Price != 5000000 {
		t.Fatalf("price not applied: %+v", units["B-201"])
	}
}

func TestPriceDiffers(t *testing.T) {
	cases := []struct {
		name string
		old  *float64
		cur  *float64
		want bool
	}{
		{"both nil", nil, nil, false},
		{"gained price", nil, util.FloatPtr(100), true},
		{"identical", util.FloatPtr(100), util.FloatPtr(100), false},
		{"float noise", util.FloatPtr(100), util.FloatPtr(100.000001), false},
		{"real change", util.FloatPtr(100), util.FloatPtr(101), true},
	}
	for _, tc := range cases {
		if got := priceDiffers(tc.old, tc.cur); got != tc.want {
			t.Errorf("%s: got %v", tc.name, got)
		}
	}
}

func TestConverterFallbackWarns(t *testing.T) {
	_, db, _ := testEngine(t)

	conv := NewConverter(db)
	rate, err := conv.RateToUSD("THB")
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.028 {
		t.Fatalf("rate=%f", rate)
	}
	if len(conv.Warnings()) != 1 {
		t.Fatalf("warnings=%v", conv.Warnings())
	}

	// rate is pinned for the run, second lookup adds no warning
	if _, err := conv.RateToUSD("thb"); err != nil {
		t.Fatal(err)
	}
	if len(conv.Warnings()) != 1 {
		t.Fatalf("warnings=%v", conv.Warnings())
	}
}

func TestToUSDRoundsToCents(t *testing.T) {
	conv := NewConverter(nil)
	got, err := conv.ToUSD(util.FloatPtr(333333), "THB")
	if err != nil {
		t.Fatal(err)
	}
	// 333333 * 0.028 = 9333.324
	if *got != 9333.32 {
		t.Fatalf("usd=%v", *got)
	}
}

func TestConverterPrefersStoredRate(t *testing.T) {
	_, db, _ := testEngine(t)

	if err := db.SaveRate(internal.ExchangeRate{BaseCurrency: "THB", TargetCurrency: "USD", Rate: 0.03, RateDate: time.Now()}); err != nil {
		t.Fatal(err)
	}
	conv := NewConverter(db)
	rate, err := conv.RateToUSD("THB")
	if err != nil {
		t.Fatal(err)
	}
	if rate != 0.03 {
		t.Fatalf("rate=%f", rate)
	}
	if len(conv.Warnings()) != 0 {
		t.Fatalf("warnings=%v", conv.Warnings())
	}
}
