package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"priceflow/internal"
)

var spreadsheetIDRe = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)

// SpreadsheetID pulls the document id out of a Google Sheets URL. A bare id
// is accepted as-is.
func SpreadsheetID(url string) (string, error) {
	if m := spreadsheetIDRe.FindStringSubmatch(url); len(m) == 2 {
		return m[1], nil
	}
	trimmed := strings.TrimSpace(url)
	if trimmed != "" && !strings.Contains(trimmed, "/") {
		return trimmed, nil
	}
	return "", fmt.Errorf("not a google sheets url: %q", url)
}

// RemoteSheetExtractor fetches a shared Google Sheets document through the
// Sheets API. The document must be link-readable; only an API key is used.
type RemoteSheetExtractor struct {
	APIKey     string
	Timeout    time.Duration
	Scorer     HeaderScorer
	ScanRows   int
	MinMatches int
}

func (e *RemoteSheetExtractor) Kind() Kind { return KindRemoteSheet }

func (e *RemoteSheetExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	if e.APIKey == "" {
		return nil, newError(ErrRemote, "sheets api key not configured", nil)
	}
	id, err := SpreadsheetID(in.URL)
	if err != nil {
		return nil, newError(ErrUnsupported, "resolve spreadsheet id", err)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	svc, err := sheets.NewService(ctx, option.WithAPIKey(e.APIKey))
	if err != nil {
		return nil, newError(ErrRemote, "init sheets service", err)
	}

	title, err := e.pickRemoteSheet(svc, id, in.SheetHint)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Spreadsheets.Values.Get(id, fmt.Sprintf("'%s'", title)).Context(ctx).Do()
	if err != nil {
		return nil, newError(ErrRemote, "fetch values for sheet "+title, err)
	}

	var grid [][]string
	for _, row := range resp.Values {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = strings.TrimSpace(fmt.Sprint(v))
		}
		grid = append(grid, cells)
	}

	table := buildTable(grid, e.Scorer, e.ScanRows, e.MinMatches)
	if table == nil {
		return nil, newError(ErrNoTables, "remote sheet "+title+" has no tabular data", nil)
	}
	return table, nil
}

func (e *RemoteSheetExtractor) pickRemoteSheet(svc *sheets.Service, id, hint string) (string, error) {
	meta, err := svc.Spreadsheets.Get(id).Fields("sheets.properties.title").Do()
	if err != nil {
		return "", newError(ErrRemote, "fetch spreadsheet metadata", err)
	}
	if len(meta.Sheets) == 0 {
		return "", newError(ErrNoTables, "spreadsheet has no sheets", nil)
	}

	titles := make([]string, 0, len(meta.Sheets))
	for _, s := range meta.Sheets {
		if s.Properties != nil {
			titles = append(titles, s.Properties.Title)
		}
	}
	if hint != "" {
		for _, t := range titles {
			if strings.EqualFold(t, hint) {
				return t, nil
			}
		}
	}
	for _, t := range titles {
		lt := strings.ToLower(t)
		for _, kw := range sheetKeywords {
			if strings.Contains(lt, kw) {
				return t, nil
			}
		}
	}
	return titles[0], nil
}
