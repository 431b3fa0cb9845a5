package normalize

import (
	"testing"

	"priceflow/internal"
)

var defaultMapping = map[string]string{
	"Unit No":  internal.FieldUnitNumber,
	"Bedrooms": internal.FieldBedrooms,
	"Area":     internal.FieldArea,
	"Price":    internal.FieldPrice,
	"Status":   internal.FieldStatus,
	"Layout":   internal.FieldLayout,
}

func TestRowNormalizesUnit(t *testing.T) {
	raw := map[string]string{
		"Unit No":  "a-101",
		"Bedrooms": "2",
		"Area":     "58 sqm",
		"Price":    "฿7,200,000",
		"Status":   "Available",
	}
	u := Row(raw, defaultMapping, "thb")
	if u == nil {
		t.Fatal("row dropped")
	}
	if u.UnitNumber != "A-101" {
		t.Fatalf("unit=%q", u.UnitNumber)
	}
	if u.Price == nil || *u.Price != 7200000 {
		t.Fatalf("price=%v", u.Price)
	}
	if u.AreaSqm == nil || *u.AreaSqm != 58 {
		t.Fatalf("area=%v", u.AreaSqm)
	}
	if u.Currency != "THB" {
		t.Fatalf("currency=%q", u.Currency)
	}
	if u.Status != internal.StatusAvailable {
		t.Fatalf("status=%s", u.Status)
	}
	if !u.IsValid {
		t.Fatalf("errors=%v", u.ValidationErrors)
	}
}

func TestRowDropsEmpty(t *testing.T) {
	raw := map[string]string{"Unit No": "  ", "Price": "", "Area": ""}
	if u := Row(raw, defaultMapping, "THB"); u != nil {
		t.Fatalf("expected nil, got %+v", u)
	}
}

func TestRowMissingUnitNumberDropped(t *testing.T) {
	raw := map[string]string{"Price": "5,000,000"}
	if u := Row(raw, defaultMapping, "THB"); u != nil {
		t.Fatalf("expected nil, got %+v", u)
	}
}

func TestRowValidationRanges(t *testing.T) {
	cases := []struct {
		name  string
		raw   map[string]string
		valid bool
	}{
		{"negative price", map[string]string{"Unit No": "A-1", "Price": "-5"}, false},
		{"zero area", map[string]string{"Unit No": "A-1", "Area": "0"}, false},
		{"too many bedrooms", map[string]string{"Unit No": "A-1", "Bedrooms": "12"}, false},
		{"studio", map[string]string{"Unit No": "A-1", "Bedrooms": "studio"}, true},
	}
	for _, tc := range cases {
		u := Row(tc.raw, defaultMapping, "THB")
		if u == nil {
			t.Fatalf("%s: row dropped", tc.name)
		}
		if u.IsValid != tc.valid {
			t.Errorf("%s: valid=%v errors=%v", tc.name, u.IsValid, u.ValidationErrors)
		}
	}
}

func TestBedroomsFromLayout(t *testing.T) {
	cases := []struct {
		layout string
		want   int
	}{
		{"2BR", 2},
		{"1+1", 1},
		{"Studio", 0},
		{"3 Bed Deluxe", 3},
	}
	for _, tc := range cases {
		raw := map[string]string{"Unit No": "A-1", "Layout": tc.layout}
		u := Row(raw, defaultMapping, "THB")
		if u.Bedrooms == nil || *u.Bedrooms != tc.want {
			t.Errorf("layout %q: bedrooms=%v want %d", tc.layout, u.Bedrooms, tc.want)
		}
	}
}

func TestPricePerSqmComputed(t *testing.T) {
	raw := map[string]string{"Unit No": "A-1", "Price": "7,200,000", "Area": "58"}
	u := Row(raw, defaultMapping, "THB")
	if u.PricePerSqm == nil {
		t.Fatal("price_per_sqm not derived")
	}
	// 7200000/58 = 124137.931..., stored rounded to two decimals
	if *u.PricePerSqm != 124137.93 {
		t.Fatalf("got %v want 124137.93", *u.PricePerSqm)
	}
}

func TestParseStatusKeywords(t *testing.T) {
	cases := []struct {
		raw  string
		want internal.UnitStatus
	}{
		{"Available", internal.StatusAvailable},
		{"В продаже", internal.StatusAvailable},
		{"SOLD OUT", internal.StatusSold},
		{"Продано", internal.StatusSold},
		{"Бронь до 15.09", internal.StatusReserved},
		{"on hold", internal.StatusHold},
		{"???", internal.StatusUnknown},
	}
	for _, tc := range cases {
		if got := parseStatus(tc.raw); got != tc.want {
			t.Errorf("parseStatus(%q)=%s want %s", tc.raw, got, tc.want)
		}
	}
}

func TestTableSkipsSpacerRows(t *testing.T) {
	table := &internal.ExtractedTable{
		Headers: []string{"Unit No", "Price"},
		Rows: []map[string]string{
			{"Unit No": "A-101", "Price": "4,500,000"},
			{"Unit No": "", "Price": ""},
			{"Unit No": "A-102", "Price": "4,800,000"},
		},
	}
	data := Table(table, defaultMapping, "THB")
	if len(data.Units) != 2 {
		t.Fatalf("units=%d", len(data.Units))
	}
	if len(data.ValidUnits()) != 2 {
		t.Fatalf("valid=%d", len(data.ValidUnits()))
	}
}
