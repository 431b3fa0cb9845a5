package classify

import (
	"math"
	"strings"
	"time"

	"priceflow/internal"
	"priceflow/internal/util"
)

const (
	learnedConfidence  = 0.9
	ruleExactBonus     = 0.7
	ruleContains       = 0.5
	ruleContainedIn    = 0.4
	fuzzyCeiling       = 0.4
	unknownConfidence  = 0.1
	fuzzySimilarityMin = 0.6
)

// Classifier maps raw column headers to canonical fields with a confidence
// score. Resolution cascades from learned patterns down to static rules and
// fuzzy matching; user feedback reshapes the learned patterns over time.
type Classifier struct {
	repo     PatternRepository
	fuzzyMin float64
}

func New(repo PatternRepository) *Classifier {
	return &Classifier{repo: repo, fuzzyMin: fuzzySimilarityMin}
}

// NewWithFuzzyThreshold overrides the minimum similarity for fuzzy matches.
func NewWithFuzzyThreshold(repo PatternRepository, fuzzyMin float64) *Classifier {
	if fuzzyMin <= 0 {
		fuzzyMin = fuzzySimilarityMin
	}
	return &Classifier{repo: repo, fuzzyMin: fuzzyMin}
}

// Suggest resolves one header. First match wins:
// learned exact, learned partial, static keyword rules, fuzzy learned, unknown.
func (c *Classifier) Suggest(header string) (string, float64) {
	normalized := util.NormalizeHeader(header)
	if normalized == "" {
		return internal.FieldUnknown, unknownConfidence
	}

	if p, ok := c.repo.Get(normalized); ok {
		return p.Field, min1(p.EffectiveConfidence())
	}

	for _, p := range c.repo.All() {
		if contains(p.HeaderPattern, normalized) || contains(normalized, p.HeaderPattern) {
			return p.Field, capAt(p.EffectiveConfidence()*0.8, learnedConfidence)
		}
	}

	if field, confidence := matchRules(normalized); field != internal.FieldUnknown {
		return field, confidence
	}

	for _, p := range c.repo.All() {
		similarity := util.Similarity(normalized, p.HeaderPattern)
		if similarity > c.fuzzyMin {
			return p.Field, capAt(p.EffectiveConfidence()*similarity*0.7, fuzzyCeiling)
		}
	}

	return internal.FieldUnknown, unknownConfidence
}

func matchRules(normalized string) (string, float64) {
	for _, field := range internal.TargetFields() {
		for _, keyword := range baseRules[field] {
			kw := util.NormalizeHeader(keyword)
			if kw == normalized {
				return field, ruleExactBonus
			}
			if contains(normalized, kw) {
				return field, ruleContains
			}
			if len(normalized) >= 2 && contains(kw, normalized) {
				return field, ruleContainedIn
			}
		}
	}
	return internal.FieldUnknown, unknownConfidence
}

// SuggestAll classifies a whole header row, resolving field conflicts greedily
// in column order. A column whose field is already claimed gets a rules-only
// alternative, or keeps the duplicate at half confidence. Columns are never
// dropped.
func (c *Classifier) SuggestAll(headers []string) []internal.ColumnSuggestion {
	suggestions := make([]internal.ColumnSuggestion, 0, len(headers))
	used := map[string]struct{}{}

	for idx, header := range headers {
		field, confidence := c.Suggest(header)

		if field != internal.FieldUnknown {
			if _, taken := used[field]; taken {
				altField, altConfidence := c.findAlternative(header, used)
				if altConfidence > unknownConfidence {
					field, confidence = altField, altConfidence
				} else {
					confidence *= 0.5
				}
			}
		}

		if field != internal.FieldUnknown {
			used[field] = struct{}{}
		}

		suggestions = append(suggestions, internal.ColumnSuggestion{
			Index:            idx,
			Header:           header,
			HeaderNormalized: util.NormalizeHeader(header),
			SuggestedField:   field,
			Confidence:       round2(confidence),
		})
	}

	return suggestions
}

func (c *Classifier) findAlternative(header string, used map[string]struct{}) (string, float64) {
	normalized := util.NormalizeHeader(header)
	for _, field := range internal.TargetFields() {
		if _, taken := used[field]; taken {
			continue
		}
		for _, keyword := range baseRules[field] {
			kw := util.NormalizeHeader(keyword)
			if contains(normalized, kw) || contains(kw, normalized) {
				return field, ruleContains * 0.8
			}
		}
	}
	return internal.FieldUnknown, unknownConfidence
}

// AddFeedback folds one confirmation event into the learned patterns.
// Approvals reinforce; corrections overwrite and penalize related patterns
// that pointed at the wrong field.
func (c *Classifier) AddFeedback(fb Feedback) error {
	if fb.CreatedAt == "" {
		fb.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	key := fb.HeaderNormalized
	if key == "" {
		key = util.NormalizeHeader(fb.HeaderText)
		fb.HeaderNormalized = key
	}

	if fb.Approved {
		if err := c.reinforce(key, fb.CorrectField); err != nil {
			return err
		}
	} else {
		if err := c.learn(key, fb.CorrectField); err != nil {
			return err
		}
		if err := c.penalize(key, fb.SuggestedField); err != nil {
			return err
		}
	}

	return c.repo.RecordFeedback(fb)
}

func (c *Classifier) reinforce(key, field string) error {
	p, ok := c.repo.Get(key)
	if !ok {
		p = LearnedPattern{HeaderPattern: key, Field: field, Confidence: learnedConfidence}
	}
	if p.Field == field {
		p.SuccessCount++
	}
	return c.repo.Put(p)
}

func (c *Classifier) learn(key, field string) error {
	p, ok := c.repo.Get(key)
	if ok && p.Field == field {
		p.SuccessCount++
		return c.repo.Put(p)
	}
	return c.repo.Put(LearnedPattern{
		HeaderPattern: key,
		Field:         field,
		Confidence:    learnedConfidence,
		SuccessCount:  1,
		FailureCount:  0,
	})
}

func (c *Classifier) penalize(key, wrongField string) error {
	if wrongField == "" || wrongField == internal.FieldUnknown {
		return nil
	}
	for _, p := range c.repo.All() {
		if p.Field != wrongField || p.HeaderPattern == key {
			continue
		}
		if contains(key, p.HeaderPattern) {
			p.FailureCount++
			if err := c.repo.Put(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Classifier) Stats() StoreStats {
	return c.repo.Stats()
}

func contains(haystack, needle string) bool {
	return needle != "" && strings.Contains(haystack, needle)
}

func capAt(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}

func min1(v float64) float64 { return capAt(v, 1.0) }

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
