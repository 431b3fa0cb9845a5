package util

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	currencyChars  = regexp.MustCompile(`[฿$€₽£\s]`)
	areaSuffix     = regexp.MustCompile(`(?i)\s*(sqm|sq\.?\s*m\.?|м2|m2|кв\.?\s*м\.?)\s*$`)
	floorPrefix    = regexp.MustCompile(`(?i)^(floor|fl\.?|level|этаж)\s*`)
	leadingInt     = regexp.MustCompile(`(\d+)`)
	commaThousands = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	dotThousands   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
)

// ParseAmount reads a money-like value: currency symbols, spaces and thousands
// separators are stripped, a trailing K/M multiplies by 1e3/1e6.
func ParseAmount(input string) *float64 {
	s := strings.TrimSpace(strings.ReplaceAll(input, " ", " "))
	if s == "" {
		return nil
	}

	s = currencyChars.ReplaceAllString(s, "")
	if s == "" {
		return nil
	}

	multiplier := 1.0
	lower := strings.ToLower(s)
	if strings.HasSuffix(lower, "m") {
		multiplier = 1_000_000
		s = s[:len(s)-1]
	} else if strings.HasSuffix(lower, "k") {
		multiplier = 1_000
		s = s[:len(s)-1]
	}

	parsed, err := strconv.ParseFloat(normalizeNumericToken(s), 64)
	if err != nil {
		return nil
	}
	v := parsed * multiplier
	return FloatPtr(v)
}

// ParseArea reads an area value, tolerating unit suffixes like "sqm" or "м2".
func ParseArea(input string) *float64 {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil
	}
	s = areaSuffix.ReplaceAllString(s, "")
	parsed, err := strconv.ParseFloat(normalizeNumericToken(strings.TrimSpace(s)), 64)
	if err != nil {
		return nil
	}
	return FloatPtr(parsed)
}

// ParseFloor strips textual prefixes ("Floor 3", "этаж 5") before reading.
func ParseFloor(input string) *int {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil
	}
	s = floorPrefix.ReplaceAllString(s, "")
	parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return IntPtr(int(parsed))
}

// ParseCount extracts the first integer from a cell ("2 BR" -> 2).
// "studio" counts as zero bedrooms.
func ParseCount(input string) *int {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return nil
	}
	if strings.Contains(s, "studio") || strings.Contains(s, "студия") {
		return IntPtr(0)
	}
	m := leadingInt.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	parsed, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return IntPtr(parsed)
}

// normalizeNumericToken resolves the separator ambiguity: "7,200,000" and
// "7.200.000" are thousands-grouped, a lone comma is a decimal mark.
func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	if commaThousands.MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	if dotThousands.MatchString(compact) {
		return strings.ReplaceAll(compact, ".", "")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return strings.ReplaceAll(compact, ",", "")
}

// DetectCurrency guesses a currency code from free text, defaulting to THB.
func DetectCurrency(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(text, "฿") || strings.Contains(lower, "thb") || strings.Contains(lower, "baht"):
		return "THB"
	case strings.Contains(text, "$") || strings.Contains(lower, "usd"):
		return "USD"
	case strings.Contains(text, "€") || strings.Contains(lower, "eur"):
		return "EUR"
	case strings.Contains(text, "₽") || strings.Contains(lower, "rub") || strings.Contains(lower, "руб"):
		return "RUB"
	case strings.Contains(lower, "idr") || strings.Contains(lower, "rupiah"):
		return "IDR"
	}
	return "THB"
}
