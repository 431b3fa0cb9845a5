package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LearnedPattern is one header->field mapping shaped by user feedback.
// Keyed by the normalized header text; mutated only through feedback events.
type LearnedPattern struct {
	HeaderPattern string  `json:"header_pattern"`
	Field         string  `json:"field"`
	Confidence    float64 `json:"confidence"`
	SuccessCount  int     `json:"success_count"`
	FailureCount  int     `json:"failure_count"`
	LastUsed      string  `json:"last_used,omitempty"`
}

func (p LearnedPattern) Accuracy() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return p.Confidence
	}
	return float64(p.SuccessCount) / float64(total)
}

// EffectiveConfidence blends observed accuracy with the base confidence once
// the pattern has at least three observations behind it.
func (p LearnedPattern) EffectiveConfidence() float64 {
	total := p.SuccessCount + p.FailureCount
	if total < 3 {
		return p.Confidence
	}
	return p.Accuracy()*0.7 + p.Confidence*0.3
}

type Feedback struct {
	HeaderText       string `json:"header_text"`
	HeaderNormalized string `json:"header_normalized"`
	SuggestedField   string `json:"suggested_field"`
	CorrectField     string `json:"correct_field"`
	Approved         bool   `json:"approved"`
	FileType         string `json:"file_type,omitempty"`
	FileName         string `json:"file_name,omitempty"`
	CreatedAt        string `json:"created_at"`
}

type storeStats struct {
	TotalFeedbacks  int `json:"total_feedbacks"`
	ApprovedCount   int `json:"approved_count"`
	CorrectedCount  int `json:"corrected_count"`
	PatternsLearned int `json:"patterns_learned"`
}

// PatternRepository is the durable home of learned patterns. The JSON file
// implementation backs production; the in-memory one backs tests.
type PatternRepository interface {
	Get(key string) (LearnedPattern, bool)
	All() []LearnedPattern
	Put(p LearnedPattern) error
	RecordFeedback(fb Feedback) error
	Stats() StoreStats
}

type StoreStats struct {
	TotalFeedbacks  int                     `json:"total_feedbacks"`
	ApprovedCount   int                     `json:"approved_count"`
	CorrectedCount  int                     `json:"corrected_count"`
	PatternsLearned int                     `json:"patterns_learned"`
	AccuracyRate    float64                 `json:"accuracy_rate"`
	ByField         map[string]FieldMetrics `json:"patterns_by_field"`
}

type FieldMetrics struct {
	Patterns    int     `json:"patterns"`
	TotalUses   int     `json:"total_uses"`
	AvgAccuracy float64 `json:"avg_accuracy"`
}

const feedbackHistoryLimit = 100

type fileDocument struct {
	Patterns    []LearnedPattern `json:"patterns"`
	Stats       storeStats       `json:"stats"`
	Feedbacks   []Feedback       `json:"feedbacks"`
	LastUpdated string           `json:"last_updated"`
}

// FileStore persists patterns as one JSON document, loaded on open and
// rewritten after every feedback event.
type FileStore struct {
	mu        sync.Mutex
	path      string
	patterns  map[string]LearnedPattern
	feedbacks []Feedback
	stats     storeStats
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, patterns: map[string]LearnedPattern{}}

	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("corrupt pattern store %s: %w", path, err)
	}
	for _, p := range doc.Patterns {
		s.patterns[p.HeaderPattern] = p
	}
	s.feedbacks = doc.Feedbacks
	s.stats = doc.Stats
	return s, nil
}

func (s *FileStore) Get(key string) (LearnedPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[key]
	return p, ok
}

func (s *FileStore) All() []LearnedPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedPatterns(s.patterns)
}

func (s *FileStore) Put(p LearnedPattern) error {
	s.mu.Lock()
	if _, known := s.patterns[p.HeaderPattern]; !known {
		s.stats.PatternsLearned++
	}
	p.LastUsed = time.Now().UTC().Format(time.RFC3339)
	s.patterns[p.HeaderPattern] = p
	s.mu.Unlock()
	return s.save()
}

func (s *FileStore) RecordFeedback(fb Feedback) error {
	s.mu.Lock()
	s.stats.TotalFeedbacks++
	if fb.Approved {
		s.stats.ApprovedCount++
	} else {
		s.stats.CorrectedCount++
	}
	s.feedbacks = append(s.feedbacks, fb)
	if len(s.feedbacks) > feedbackHistoryLimit {
		s.feedbacks = s.feedbacks[len(s.feedbacks)-feedbackHistoryLimit:]
	}
	s.mu.Unlock()
	return s.save()
}

func (s *FileStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildStats(s.stats, s.patterns)
}

func (s *FileStore) save() error {
	s.mu.Lock()
	doc := fileDocument{
		Patterns:    make([]LearnedPattern, 0, len(s.patterns)),
		Stats:       s.stats,
		Feedbacks:   s.feedbacks,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range s.patterns {
		doc.Patterns = append(doc.Patterns, p)
	}
	s.mu.Unlock()

	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// MemoryStore keeps everything in process memory. Test use only.
type MemoryStore struct {
	mu        sync.Mutex
	patterns  map[string]LearnedPattern
	feedbacks []Feedback
	stats     storeStats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: map[string]LearnedPattern{}}
}

func (s *MemoryStore) Get(key string) (LearnedPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[key]
	return p, ok
}

func (s *MemoryStore) All() []LearnedPattern {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedPatterns(s.patterns)
}

func (s *MemoryStore) Put(p LearnedPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.patterns[p.HeaderPattern]; !known {
		s.stats.PatternsLearned++
	}
	p.LastUsed = time.Now().UTC().Format(time.RFC3339)
	s.patterns[p.HeaderPattern] = p
	return nil
}

func (s *MemoryStore) RecordFeedback(fb Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalFeedbacks++
	if fb.Approved {
		s.stats.ApprovedCount++
	} else {
		s.stats.CorrectedCount++
	}
	s.feedbacks = append(s.feedbacks, fb)
	return nil
}

func (s *MemoryStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildStats(s.stats, s.patterns)
}

// Suggestion lookups iterate patterns; a stable order keeps them
// deterministic for identical store state.
func sortedPatterns(patterns map[string]LearnedPattern) []LearnedPattern {
	out := make([]LearnedPattern, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HeaderPattern < out[j].HeaderPattern })
	return out
}

func buildStats(raw storeStats, patterns map[string]LearnedPattern) StoreStats {
	byField := map[string]FieldMetrics{}
	for _, p := range patterns {
		m := byField[p.Field]
		m.Patterns++
		m.TotalUses += p.SuccessCount + p.FailureCount
		m.AvgAccuracy += p.Accuracy()
		byField[p.Field] = m
	}
	for field, m := range byField {
		if m.Patterns > 0 {
			m.AvgAccuracy /= float64(m.Patterns)
		}
		byField[field] = m
	}

	accuracy := 0.0
	if raw.TotalFeedbacks > 0 {
		accuracy = float64(raw.ApprovedCount) / float64(raw.TotalFeedbacks)
	}

	return StoreStats{
		TotalFeedbacks:  raw.TotalFeedbacks,
		ApprovedCount:   raw.ApprovedCount,
		CorrectedCount:  raw.CorrectedCount,
		PatternsLearned: len(patterns),
		AccuracyRate:    accuracy,
		ByField:         byField,
	}
}
