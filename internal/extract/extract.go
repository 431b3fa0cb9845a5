package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"priceflow/internal"
)

type Kind string

const (
	KindSpreadsheet Kind = "spreadsheet"
	KindPdfTable    Kind = "pdf_table"
	KindHTML        Kind = "html"
	KindRemoteSheet Kind = "remote_sheet"
	KindAIVision    Kind = "ai_vision"
	KindAIText      Kind = "ai_text"
)

type ErrorKind string

const (
	ErrUnsupported ErrorKind = "unsupported"
	ErrCorrupt     ErrorKind = "corrupt"
	ErrNoTables    ErrorKind = "no_tables"
	ErrNoText      ErrorKind = "no_text"
	ErrRemote      ErrorKind = "remote"
	ErrAI          ErrorKind = "ai"
)

// Error tags every extraction failure with a taxonomy kind so the chain and
// the final ParsingResult can report what went wrong.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Input is one upload: raw bytes plus enough metadata to pick extractors.
// URL is set instead of Data for remote sheets.
type Input struct {
	Data      []byte
	Filename  string
	SheetHint string
	URL       string
}

type Extractor interface {
	Kind() Kind
	Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error)
}

// HeaderScorer lets extractors score header-row candidates without owning
// classification logic.
type HeaderScorer interface {
	Suggest(header string) (field string, confidence float64)
}

// PlanFor maps a filename or URL to the ordered extractor kinds worth trying
// before any AI fallback.
func PlanFor(filenameOrURL string) []Kind {
	lower := strings.ToLower(strings.TrimSpace(filenameOrURL))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if strings.Contains(lower, "docs.google.com/spreadsheets") || strings.Contains(lower, "sheets.google.com") {
			return []Kind{KindRemoteSheet}
		}
		lower = strings.SplitN(lower, "?", 2)[0]
	}

	switch filepath.Ext(lower) {
	case ".xlsx", ".xls", ".csv":
		return []Kind{KindSpreadsheet}
	case ".pdf":
		return []Kind{KindPdfTable}
	case ".html", ".htm":
		return []Kind{KindHTML}
	}
	return nil
}

// SourceTypeFor reports the catalog-facing source tag for an input.
func SourceTypeFor(filenameOrURL string) internal.SourceType {
	kinds := PlanFor(filenameOrURL)
	if len(kinds) == 0 {
		return internal.SourceManual
	}
	switch kinds[0] {
	case KindRemoteSheet:
		return internal.SourceGoogleSheet
	case KindPdfTable:
		return internal.SourcePDF
	case KindHTML:
		return internal.SourceHTML
	case KindSpreadsheet:
		if strings.HasSuffix(strings.ToLower(filenameOrURL), ".csv") {
			return internal.SourceCSV
		}
		return internal.SourceExcel
	}
	return internal.SourceManual
}

// Outcome is what the chain hands to the orchestrator: the winning table,
// which strategy produced it, and whether the fallback path was taken.
type Outcome struct {
	Table        *internal.ExtractedTable
	Method       Kind
	FallbackUsed bool
	Warnings     []string
}

// Chain tries extractors in plan order, falling back to the AI extractors
// when the format-native ones fail or produce nothing usable.
type Chain struct {
	extractors map[Kind]Extractor
	aiEnabled  bool

	// Usable is the minimum validity bar: the first table passing it wins.
	// A nil check accepts any table with at least one row.
	Usable func(t *internal.ExtractedTable) bool
}

func NewChain(extractors []Extractor, aiEnabled bool) *Chain {
	m := make(map[Kind]Extractor, len(extractors))
	for _, e := range extractors {
		m[e.Kind()] = e
	}
	return &Chain{extractors: m, aiEnabled: aiEnabled}
}

func (c *Chain) usable(t *internal.ExtractedTable) bool {
	if t == nil || len(t.Rows) == 0 {
		return false
	}
	if c.Usable == nil {
		return true
	}
	return c.Usable(t)
}

func (c *Chain) Run(ctx context.Context, in Input) (Outcome, error) {
	name := in.Filename
	if in.URL != "" {
		name = in.URL
	}

	plan := PlanFor(name)
	if len(plan) == 0 && !c.aiEnabled {
		return Outcome{}, newError(ErrUnsupported, fmt.Sprintf("no extractor for %q", name), nil)
	}
	if c.aiEnabled && in.URL == "" {
		plan = append(plan, KindAIVision, KindAIText)
	}

	var (
		out      Outcome
		lastErr  error
		attempts int
	)
	for _, kind := range plan {
		ex, ok := c.extractors[kind]
		if !ok {
			continue
		}
		attempts++

		table, err := ex.Extract(ctx, in)
		if err != nil {
			lastErr = err
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s extractor failed: %v", kind, err))
			continue
		}
		if !c.usable(table) {
			lastErr = newError(ErrNoTables, fmt.Sprintf("%s extractor produced no usable rows", kind), nil)
			out.Warnings = append(out.Warnings, lastErr.Error())
			continue
		}

		out.Table = table
		out.Method = kind
		out.FallbackUsed = attempts > 1
		return out, nil
	}

	if lastErr == nil {
		lastErr = newError(ErrUnsupported, fmt.Sprintf("no extractor available for %q", name), nil)
	}
	return out, lastErr
}

// KindOf extracts the taxonomy kind from an error, for error-type tagging.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrCorrupt
}
