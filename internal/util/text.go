package util

import (
	"regexp"
	"strings"
)

var (
	reSpaces = regexp.MustCompile(`\s+`)
	reSeps   = strings.NewReplacer("_", " ", "-", " ")
)

// NormalizeHeader lowercases a column header and collapses separators so that
// "Unit_No", "unit-no" and "UNIT NO" all share one pattern key.
func NormalizeHeader(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	s = reSeps.Replace(s)
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Similarity is a Jaccard coefficient over word tokens, falling back to
// character sets when either side has no multi-word structure.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) <= 1 && len(setB) <= 1 {
		setA = charSet(a)
		setB = charSet(b)
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range strings.Fields(s) {
		out[t] = struct{}{}
	}
	return out
}

func charSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, r := range s {
		out[string(r)] = struct{}{}
	}
	return out
}

func StringPtr(v string) *string { return &v }

func FloatPtr(v float64) *float64 { return &v }

func IntPtr(v int) *int { return &v }
