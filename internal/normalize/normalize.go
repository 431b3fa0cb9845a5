package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"priceflow/internal"
	"priceflow/internal/util"
)

const maxBedrooms = 10

var statusKeywords = map[internal.UnitStatus][]string{
	internal.StatusAvailable: {"available", "free", "on sale", "свободн", "в продаже", "доступ", "sale"},
	internal.StatusReserved:  {"reserved", "booking", "booked", "бронь", "резерв", "забронирован"},
	internal.StatusSold:      {"sold", "closed", "продан", "продано"},
	internal.StatusHold:      {"hold", "blocked", "удержан", "приостановлен"},
}

var statusOrder = []internal.UnitStatus{
	internal.StatusSold,
	internal.StatusReserved,
	internal.StatusHold,
	internal.StatusAvailable,
}

var layoutBedroomsRe = regexp.MustCompile(`(?i)(\d+)\s*(?:br|bed|bd|сп)|^\s*(\d+)\s*\+`)

// Row turns one raw extracted row into a ParsedUnit using the confirmed
// column mapping. Returns nil for rows with no usable cells or no unit
// number, so spacer and section rows never count as errors.
func Row(raw map[string]string, mapping map[string]string, currency string) *internal.ParsedUnit {
	fields := map[string]string{}
	for header, field := range mapping {
		if field == internal.FieldUnknown || field == "" {
			continue
		}
		v := strings.TrimSpace(raw[header])
		if v == "" {
			continue
		}
		if _, taken := fields[field]; !taken {
			fields[field] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	unitNumber := strings.ToUpper(strings.TrimSpace(fields[internal.FieldUnitNumber]))
	if unitNumber == "" {
		return nil
	}

	u := &internal.ParsedUnit{
		Currency: strings.ToUpper(currency),
		Status:   internal.StatusUnknown,
		RawRow:   raw,
	}
	if c := strings.TrimSpace(fields[internal.FieldCurrency]); c != "" {
		u.Currency = strings.ToUpper(c)
	}

	u.UnitNumber = unitNumber

	if v, ok := fields[internal.FieldBedrooms]; ok {
		u.Bedrooms = util.ParseCount(v)
	}
	if v, ok := fields[internal.FieldBathrooms]; ok {
		u.Bathrooms = util.ParseCount(v)
	}
	if v, ok := fields[internal.FieldArea]; ok {
		u.AreaSqm = util.ParseArea(v)
	}
	if v, ok := fields[internal.FieldFloor]; ok {
		u.Floor = util.ParseFloor(v)
	}
	if v, ok := fields[internal.FieldBuilding]; ok {
		u.Building = util.StringPtr(v)
	}
	if v, ok := fields[internal.FieldPrice]; ok {
		if amount := util.ParseAmount(v); amount != nil {
			u.Price = amount
		}
	}
	if v, ok := fields[internal.FieldPricePerSqm]; ok {
		u.PricePerSqm = util.ParseAmount(v)
	}
	if v, ok := fields[internal.FieldView]; ok {
		u.ViewType = util.StringPtr(v)
	}
	if v, ok := fields[internal.FieldLayout]; ok {
		u.LayoutType = util.StringPtr(v)
	}
	if v, ok := fields[internal.FieldPhase]; ok {
		u.Phase = util.StringPtr(v)
	}
	if v, ok := fields[internal.FieldStatus]; ok {
		u.Status = parseStatus(v)
	}

	// layout strings like "2BR" or "1+1" carry the bedroom count
	if u.Bedrooms == nil && u.LayoutType != nil {
		u.Bedrooms = bedroomsFromLayout(*u.LayoutType)
	}
	if u.PricePerSqm == nil && u.Price != nil && u.AreaSqm != nil && *u.AreaSqm > 0 {
		u.PricePerSqm = util.FloatPtr(math.Round(*u.Price / *u.AreaSqm * 100) / 100)
	}

	validate(u)
	return u
}

// Table normalizes every extracted row under one mapping and run currency.
func Table(table *internal.ExtractedTable, mapping map[string]string, currency string) *internal.ParsedData {
	data := &internal.ParsedData{
		Currency:   strings.ToUpper(currency),
		RawHeaders: table.Headers,
	}
	for _, raw := range table.Rows {
		u := Row(raw, mapping, currency)
		if u == nil {
			continue
		}
		data.Units = append(data.Units, *u)
	}
	return data
}

func validate(u *internal.ParsedUnit) {
	var errs []string
	if u.Price != nil && *u.Price <= 0 {
		errs = append(errs, "price must be positive")
	}
	if u.AreaSqm != nil && *u.AreaSqm <= 0 {
		errs = append(errs, "area must be positive")
	}
	if u.Bedrooms != nil && (*u.Bedrooms < 0 || *u.Bedrooms > maxBedrooms) {
		errs = append(errs, fmt.Sprintf("bedrooms out of range: %d", *u.Bedrooms))
	}
	u.ValidationErrors = errs
	u.IsValid = len(errs) == 0
}

func parseStatus(raw string) internal.UnitStatus {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return internal.StatusUnknown
	}
	for _, status := range statusOrder {
		for _, kw := range statusKeywords[status] {
			if strings.Contains(lower, kw) {
				return status
			}
		}
	}
	return internal.StatusUnknown
}

func bedroomsFromLayout(layout string) *int {
	m := layoutBedroomsRe.FindStringSubmatch(layout)
	if m == nil {
		if strings.Contains(strings.ToLower(layout), "studio") || strings.Contains(strings.ToLower(layout), "студия") {
			return util.IntPtr(0)
		}
		return nil
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	return util.ParseCount(digits)
}
