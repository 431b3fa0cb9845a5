package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"priceflow/internal"
	"priceflow/internal/classify"
	"priceflow/internal/extract"
	"priceflow/internal/normalize"
	"priceflow/internal/util"
)

type State string

const (
	StateUploaded  State = "uploaded"
	StateDetected  State = "detected"
	StateConfirmed State = "confirmed"
	StateParsed    State = "parsed"
	StateError     State = "error"
)

// ErrorTypeMissingColumn marks a parse refused because no column resolves to
// the unit number.
const ErrorTypeMissingColumn = "missing_required_column"

// Session is one interactive parse: upload, mapping review, normalization.
type Session struct {
	ID          string                      `json:"id"`
	State       State                       `json:"state"`
	FileName    string                      `json:"file_name,omitempty"`
	URL         string                      `json:"url,omitempty"`
	SourceType  internal.SourceType         `json:"source_type"`
	Suggestions []internal.ColumnSuggestion `json:"suggestions,omitempty"`
	Mapping     map[string]string           `json:"mapping,omitempty"`
	Preview     [][]string                  `json:"preview_rows,omitempty"`
	Error       string                      `json:"error,omitempty"`
	ErrorType   string                      `json:"error_type,omitempty"`

	RawContent []byte                   `json:"-"`
	Table      *internal.ExtractedTable `json:"-"`
	Result     *internal.ParsingResult  `json:"-"`
	Outcome    extract.Outcome          `json:"-"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Manager owns all live sessions and drives each one through the
// uploaded -> detected -> confirmed -> parsed workflow. Idle sessions are
// evicted after the TTL.
type Manager struct {
	chain      *extract.Chain
	classifier *classify.Classifier
	autoAccept float64
	ttl        time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
}

func NewManager(chain *extract.Chain, classifier *classify.Classifier, autoAccept float64, ttl time.Duration) *Manager {
	if autoAccept <= 0 {
		autoAccept = 0.5
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	m := &Manager{
		chain:      chain,
		classifier: classifier,
		autoAccept: autoAccept,
		ttl:        ttl,
		sessions:   map[string]*Session{},
		done:       make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Manager) Close() {
	close(m.done)
}

func (m *Manager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for id, s := range m.sessions {
				if now.Sub(s.LastActive) > m.ttl {
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Upload extracts the document and classifies its headers. Extraction
// failures leave the session in the error state so the client can see what
// happened; such sessions cannot be parsed.
func (m *Manager) Upload(ctx context.Context, filename string, data []byte, url, sheetHint string) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		State:      StateUploaded,
		FileName:   filename,
		URL:        url,
		RawContent: data,
		CreatedAt:  now,
		LastActive: now,
	}
	name := filename
	if url != "" {
		name = url
	}
	s.SourceType = extract.SourceTypeFor(name)

	outcome, err := m.chain.Run(ctx, extract.Input{Data: data, Filename: filename, URL: url, SheetHint: sheetHint})
	if err != nil {
		s.State = StateError
		s.Error = err.Error()
		s.ErrorType = string(extract.KindOf(err))
		s.Outcome.Warnings = outcome.Warnings
	} else {
		s.State = StateDetected
		s.Table = outcome.Table
		s.Outcome = outcome
		s.Suggestions = m.classifier.SuggestAll(outcome.Table.Headers)
		s.Preview = previewRows(outcome.Table, 10)
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// previewRows flattens the first rows back into header order for display.
func previewRows(t *internal.ExtractedTable, limit int) [][]string {
	if t == nil {
		return nil
	}
	if limit > len(t.Rows) {
		limit = len(t.Rows)
	}
	out := make([][]string, 0, limit)
	for _, row := range t.Rows[:limit] {
		cells := make([]string, len(t.Headers))
		for i, h := range t.Headers {
			cells[i] = row[h]
		}
		out = append(out, cells)
	}
	return out
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		s.LastActive = time.Now()
	}
	return s, ok
}

func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// Confirm applies the user's header->field mapping and feeds every decision
// back into the classifier: kept suggestions reinforce, overrides correct.
func (m *Manager) Confirm(id string, mapping map[string]string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if s.State != StateDetected && s.State != StateConfirmed {
		return nil, fmt.Errorf("session %s is %s, cannot confirm mappings", id, s.State)
	}

	suggested := map[string]internal.ColumnSuggestion{}
	for _, sg := range s.Suggestions {
		suggested[sg.Header] = sg
	}

	for header, field := range mapping {
		sg, known := suggested[header]
		if !known {
			continue
		}
		fb := classify.Feedback{
			HeaderText:     header,
			SuggestedField: sg.SuggestedField,
			CorrectField:   field,
			Approved:       field == sg.SuggestedField,
			FileType:       string(s.SourceType),
			FileName:       s.FileName,
		}
		if err := m.classifier.AddFeedback(fb); err != nil {
			return nil, err
		}
	}

	s.Mapping = mapping
	s.State = StateConfirmed
	return s, nil
}

// Parse normalizes the extracted rows. Without a confirmed mapping it
// auto-accepts suggestions at or above the confidence floor; either way a
// resolved unit number column is required.
func (m *Manager) Parse(id, currency string) (*internal.ParsingResult, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if s.State == StateError {
		return &internal.ParsingResult{
			Success:      false,
			ErrorMessage: s.Error,
			ErrorType:    s.ErrorType,
		}, nil
	}
	if s.State != StateDetected && s.State != StateConfirmed {
		return nil, fmt.Errorf("session %s is %s, cannot parse", id, s.State)
	}

	mapping := s.Mapping
	if mapping == nil {
		mapping = m.autoMapping(s.Suggestions)
	}

	started := time.Now()
	result := &internal.ParsingResult{
		Method:       string(s.Outcome.Method),
		FallbackUsed: s.Outcome.FallbackUsed,
		Warnings:     s.Outcome.Warnings,
	}

	if !mapsUnitNumber(mapping) {
		result.ErrorMessage = "no column resolves to unit_number"
		result.ErrorType = ErrorTypeMissingColumn
		result.DurationMs = time.Since(started).Milliseconds()
		s.State = StateError
		s.Error = result.ErrorMessage
		s.ErrorType = result.ErrorType
		return result, nil
	}

	data := normalize.Table(s.Table, mapping, currency)
	result.Success = true
	result.Data = data
	result.DurationMs = time.Since(started).Milliseconds()

	s.Mapping = mapping
	s.Result = result
	s.State = StateParsed
	return result, nil
}

// autoMapping accepts suggestions at or above the confidence floor. Headers
// that already carry a canonical field name map to themselves, which is how
// AI-extracted tables pass through untouched.
func (m *Manager) autoMapping(suggestions []internal.ColumnSuggestion) map[string]string {
	canonical := map[string]struct{}{internal.FieldCurrency: {}}
	for _, f := range internal.TargetFields() {
		canonical[f] = struct{}{}
	}

	mapping := map[string]string{}
	for _, sg := range suggestions {
		normalized := strings.ReplaceAll(util.NormalizeHeader(sg.Header), " ", "_")
		if _, ok := canonical[normalized]; ok {
			mapping[sg.Header] = normalized
			continue
		}
		if sg.SuggestedField != internal.FieldUnknown && sg.Confidence >= m.autoAccept {
			mapping[sg.Header] = sg.SuggestedField
		}
	}
	return mapping
}

func mapsUnitNumber(mapping map[string]string) bool {
	for _, field := range mapping {
		if field == internal.FieldUnitNumber {
			return true
		}
	}
	return false
}

// Stats surfaces the classifier's learning metrics for the API.
func (m *Manager) Stats() classify.StoreStats {
	return m.classifier.Stats()
}
