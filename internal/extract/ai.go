package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"priceflow/internal"
)

const extractionPrompt = `You are extracting a property price list. Return ONLY a JSON object
of the form {"units": [...]} where every element describes one unit with these keys
(omit keys you cannot find): unit_number, bedrooms, bathrooms, area, floor, building,
price, price_per_sqm, currency, status, view, layout. Keep numbers as they appear in
the document. Do not invent units that are not in the document.`

type aiUnit struct {
	UnitNumber  string `json:"unit_number"`
	Bedrooms    string `json:"bedrooms"`
	Bathrooms   string `json:"bathrooms"`
	Area        string `json:"area"`
	Floor       string `json:"floor"`
	Building    string `json:"building"`
	Price       string `json:"price"`
	PricePerSqm string `json:"price_per_sqm"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	View        string `json:"view"`
	Layout      string `json:"layout"`
}

type aiPayload struct {
	Units []aiUnit `json:"units"`
}

// RateLimiter spaces outgoing model calls to a fixed request rate. An
// extraction whose context ends while queued gives its turn up instead of
// sleeping through it.
type RateLimiter struct {
	mu            sync.Mutex
	nextAllowedAt time.Time
	interval      time.Duration
}

func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &RateLimiter{interval: time.Second / time.Duration(requestsPerSecond)}
}

func (r *RateLimiter) WaitTurn(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	scheduled := now
	if r.nextAllowedAt.After(now) {
		scheduled = r.nextAllowedAt
	}
	r.nextAllowedAt = scheduled.Add(r.interval)
	r.mu.Unlock()

	sleep := time.Until(scheduled)
	if sleep <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AIExtractor asks a Gemini model to read the document when every
// format-native extractor has failed. It returns a synthetic table whose
// headers are already the canonical field names, so column mapping is a
// pass-through.
type AIExtractor struct {
	vision bool

	Model       string
	APIKey      string
	MaxPages    int
	MaxParallel int
	Timeout     time.Duration
	Limiter     *RateLimiter
}

func NewAIVisionExtractor(apiKey, model string, maxPages, maxParallel, rps int, timeout time.Duration) *AIExtractor {
	return &AIExtractor{
		vision:      true,
		Model:       model,
		APIKey:      apiKey,
		MaxPages:    maxPages,
		MaxParallel: maxParallel,
		Timeout:     timeout,
		Limiter:     NewRateLimiter(rps),
	}
}

func NewAITextExtractor(apiKey, model string, rps int, timeout time.Duration) *AIExtractor {
	return &AIExtractor{
		Model:   model,
		APIKey:  apiKey,
		Timeout: timeout,
		Limiter: NewRateLimiter(rps),
	}
}

func (e *AIExtractor) Kind() Kind {
	if e.vision {
		return KindAIVision
	}
	return KindAIText
}

func (e *AIExtractor) Extract(ctx context.Context, in Input) (*internal.ExtractedTable, error) {
	if e.APIKey == "" {
		return nil, newError(ErrAI, "ai extraction disabled: no api key", nil)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  e.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, newError(ErrAI, "init genai client", err)
	}

	var units []aiUnit
	if e.vision && isPDF(in) {
		units, err = e.extractVision(ctx, client, in.Data)
	} else if e.vision {
		return nil, newError(ErrUnsupported, "vision mode only handles pdf input", nil)
	} else {
		units, err = e.extractText(ctx, client, in)
	}
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, newError(ErrNoTables, "model found no units in document", nil)
	}
	return unitsToTable(units), nil
}

// extractVision sends one request per page with the whole PDF inline and a
// page directive, bounded by MaxPages and MaxParallel. Page order is kept in
// the merged output.
func (e *AIExtractor) extractVision(ctx context.Context, client *genai.Client, content []byte) ([]aiUnit, error) {
	pages, err := PageCount(content)
	if err != nil {
		return nil, newError(ErrCorrupt, "count pdf pages", err)
	}
	if e.MaxPages > 0 && pages > e.MaxPages {
		pages = e.MaxPages
	}
	if pages == 0 {
		return nil, newError(ErrNoTables, "pdf has no pages", nil)
	}

	perPage := make([][]aiUnit, pages)
	g, gctx := errgroup.WithContext(ctx)
	if e.MaxParallel > 0 {
		g.SetLimit(e.MaxParallel)
	}
	for i := 0; i < pages; i++ {
		page := i
		g.Go(func() error {
			prompt := fmt.Sprintf("%s\n\nExtract units from page %d of the attached document only.", extractionPrompt, page+1)
			contents := []*genai.Content{{
				Role: genai.RoleUser,
				Parts: []*genai.Part{
					{Text: prompt},
					{InlineData: &genai.Blob{MIMEType: "application/pdf", Data: content}},
				},
			}}
			units, err := e.generate(gctx, client, contents)
			if err != nil {
				return fmt.Errorf("page %d: %w", page+1, err)
			}
			perPage[page] = units
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, newError(ErrAI, "vision extraction", err)
	}

	var merged []aiUnit
	seen := map[string]bool{}
	for _, units := range perPage {
		for _, u := range units {
			key := strings.ToUpper(strings.TrimSpace(u.UnitNumber))
			if key != "" && seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, u)
		}
	}
	return merged, nil
}

func (e *AIExtractor) extractText(ctx context.Context, client *genai.Client, in Input) ([]aiUnit, error) {
	text, err := plainText(in)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, newError(ErrNoText, "document has no text to send", nil)
	}

	prompt := extractionPrompt + "\n\nDocument contents:\n" + text
	units, err := e.generate(ctx, client, genai.Text(prompt))
	if err != nil {
		return nil, newError(ErrAI, "text extraction", err)
	}
	return units, nil
}

func (e *AIExtractor) generate(ctx context.Context, client *genai.Client, contents []*genai.Content) ([]aiUnit, error) {
	if err := e.Limiter.WaitTurn(ctx); err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
	}
	resp, err := client.Models.GenerateContent(ctx, e.Model, contents, cfg)
	if err != nil {
		return nil, err
	}

	raw := resp.Text()
	repaired, err := jsonrepair.RepairJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("repair model output: %w", err)
	}
	var payload aiPayload
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	return payload.Units, nil
}

func isPDF(in Input) bool {
	return strings.HasSuffix(strings.ToLower(in.Filename), ".pdf")
}

// plainText flattens whatever text the document carries for the text-mode
// prompt. PDFs go through the text layer; everything else is passed through
// as-is when it looks like text.
func plainText(in Input) (string, error) {
	if isPDF(in) {
		return pdfPlainText(in.Data)
	}
	return string(in.Data), nil
}

func unitsToTable(units []aiUnit) *internal.ExtractedTable {
	headers := []string{
		internal.FieldUnitNumber, internal.FieldBedrooms, internal.FieldBathrooms,
		internal.FieldArea, internal.FieldFloor, internal.FieldBuilding,
		internal.FieldPrice, internal.FieldPricePerSqm, internal.FieldCurrency,
		internal.FieldStatus, internal.FieldView, internal.FieldLayout,
	}
	table := &internal.ExtractedTable{Headers: headers}
	for _, u := range units {
		table.Rows = append(table.Rows, map[string]string{
			internal.FieldUnitNumber:  u.UnitNumber,
			internal.FieldBedrooms:    u.Bedrooms,
			internal.FieldBathrooms:   u.Bathrooms,
			internal.FieldArea:        u.Area,
			internal.FieldFloor:       u.Floor,
			internal.FieldBuilding:    u.Building,
			internal.FieldPrice:       u.Price,
			internal.FieldPricePerSqm: u.PricePerSqm,
			internal.FieldCurrency:    u.Currency,
			internal.FieldStatus:      u.Status,
			internal.FieldView:        u.View,
			internal.FieldLayout:      u.Layout,
		})
	}
	return table
}
