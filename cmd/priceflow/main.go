package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"priceflow/internal"
	"priceflow/internal/classify"
	"priceflow/internal/config"
	"priceflow/internal/extract"
	"priceflow/internal/ingest"
	"priceflow/internal/intake"
	"priceflow/internal/server"
	"priceflow/internal/session"
	"priceflow/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		runServe(cfg)
	case "parse":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", "", "price list file path or google sheets url")
		currency := fs.String("currency", cfg.DefaultCurrency, "price list currency")
		sheet := fs.String("sheet", "", "sheet name hint")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*input) == "" {
			must(fmt.Errorf("--input is required"))
		}
		runParse(cfg, *input, *currency, *sheet)
	case "ingest":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", "", "price list file path or google sheets url")
		project := fs.String("project", "", "project name")
		currency := fs.String("currency", cfg.DefaultCurrency, "price list currency")
		sheet := fs.String("sheet", "", "sheet name hint")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*input) == "" || strings.TrimSpace(*project) == "" {
			must(fmt.Errorf("--input and --project are required"))
		}
		runIngest(cfg, *input, *project, *currency, *sheet)
	case "mail:extract":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		input := fs.String("input", "", "raw email file (.eml)")
		outDir := fs.String("out", ".", "directory for extracted attachments")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*input) == "" {
			must(fmt.Errorf("--input is required"))
		}
		runMailExtract(*input, *outDir)
	case "feedback:stats":
		store, err := classify.OpenFileStore(cfg.PatternStorePath)
		must(err)
		classifier := classify.New(store)
		out, err := json.MarshalIndent(classifier.Stats(), "", "  ")
		must(err)
		fmt.Println(string(out))
	case "export:history":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		versionID := fs.Int64("versionId", 0, "price version id")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if *versionID == 0 || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--versionId and --out are required"))
		}
		db, err := storage.Open(cfg.DBPath)
		must(err)
		defer db.Close()
		history, err := db.HistoryForVersion(*versionID)
		must(err)
		if len(history) == 0 {
			must(fmt.Errorf("no history for versionId=%d", *versionID))
		}
		must(ingest.ExportHistoryToXLSX(history, *out))
		fmt.Printf("exported %d changes to %s\n", len(history), *out)
	default:
		usage()
		os.Exit(1)
	}
}

func buildChain(cfg config.Config, classifier *classify.Classifier) *extract.Chain {
	scan, minMatch := cfg.HeaderScanRows, cfg.HeaderMinMatches
	extractors := []extract.Extractor{
		&extract.SpreadsheetExtractor{Scorer: classifier, ScanRows: scan, MinMatches: minMatch},
		&extract.PDFExtractor{Scorer: classifier, ScanRows: scan, MinMatches: minMatch},
		&extract.HTMLExtractor{Scorer: classifier, ScanRows: scan, MinMatches: minMatch},
		&extract.RemoteSheetExtractor{
			APIKey:     cfg.SheetsAPIKey,
			Timeout:    time.Duration(cfg.SheetsTimeoutMs) * time.Millisecond,
			Scorer:     classifier,
			ScanRows:   scan,
			MinMatches: minMatch,
		},
	}

	aiEnabled := cfg.AIEnabled && cfg.GeminiAPIKey != ""
	if aiEnabled {
		timeout := time.Duration(cfg.AITimeoutMs) * time.Millisecond
		extractors = append(extractors,
			extract.NewAIVisionExtractor(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AIMaxPages, cfg.AIMaxParallel, cfg.AIRateRPS, timeout),
			extract.NewAITextExtractor(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.AIRateRPS, timeout),
		)
	}

	chain := extract.NewChain(extractors, aiEnabled)
	chain.Usable = func(t *internal.ExtractedTable) bool {
		for _, h := range t.Headers {
			if field, conf := classifier.Suggest(h); field == internal.FieldUnitNumber && conf >= 0.4 {
				return true
			}
		}
		// No recognizable unit column; accept only if leading cells look like
		// unit codes, otherwise let the chain fall through to the next method.
		for _, row := range t.Rows {
			if len(t.Headers) > 0 && looksLikeUnitNumber(row[t.Headers[0]]) {
				return true
			}
		}
		return false
	}
	return chain
}

func looksLikeUnitNumber(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 16 {
		return false
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

func buildSessions(cfg config.Config) (*session.Manager, error) {
	store, err := classify.OpenFileStore(cfg.PatternStorePath)
	if err != nil {
		return nil, err
	}
	classifier := classify.NewWithFuzzyThreshold(store, cfg.FuzzySimilarityMin)
	chain := buildChain(cfg, classifier)
	ttl := time.Duration(cfg.SessionTTLMin) * time.Minute
	return session.NewManager(chain, classifier, cfg.AutoAcceptConfidence, ttl), nil
}

func runServe(cfg config.Config) {
	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	sessions, err := buildSessions(cfg)
	must(err)
	defer sessions.Close()

	engine := ingest.NewEngine(db, ingest.NewNotifier(cfg.NotifyWebhookURL))
	srv := server.NewServer(sessions, engine, db)
	must(srv.Start(cfg.HTTPAddr))
}

func parseInput(cfg config.Config, input, currency, sheet string) *internal.ParsingResult {
	sessions, err := buildSessions(cfg)
	must(err)
	defer sessions.Close()

	var (
		filename string
		data     []byte
		url      string
	)
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		url = input
	} else {
		filename = input
		data, err = os.ReadFile(input)
		must(err)
	}

	sess, err := sessions.Upload(context.Background(), filename, data, url, sheet)
	must(err)
	if sess.State == session.StateError {
		must(fmt.Errorf("extraction failed (%s): %s", sess.ErrorType, sess.Error))
	}

	result, err := sessions.Parse(sess.ID, currency)
	must(err)
	return result
}

func runParse(cfg config.Config, input, currency, sheet string) {
	result := parseInput(cfg, input, currency, sheet)
	if !result.Success {
		must(fmt.Errorf("parse failed (%s): %s", result.ErrorType, result.ErrorMessage))
	}

	fmt.Printf("parsed %d units (%d valid, %d invalid) method=%s fallback=%v in %dms\n",
		len(result.Data.Units), len(result.Data.ValidUnits()), len(result.Data.InvalidUnits()),
		result.Method, result.FallbackUsed, result.DurationMs)
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	out, err := json.MarshalIndent(result.Data.Units, "", "  ")
	must(err)
	fmt.Println(string(out))
}

func runIngest(cfg config.Config, input, projectName, currency, sheet string) {
	result := parseInput(cfg, input, currency, sheet)
	if !result.Success {
		must(fmt.Errorf("parse failed (%s): %s", result.ErrorType, result.ErrorMessage))
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	project, err := db.GetOrCreateProject(projectName)
	must(err)

	var raw []byte
	if !strings.HasPrefix(input, "http") {
		raw, err = os.ReadFile(input)
		must(err)
	}

	engine := ingest.NewEngine(db, ingest.NewNotifier(cfg.NotifyWebhookURL))
	version, dup, err := engine.Run(ingest.Request{
		ProjectID:  project.ID,
		Data:       result.Data,
		SourceType: extract.SourceTypeFor(input),
		FileName:   input,
		RawContent: raw,
	})
	must(err)

	if dup {
		fmt.Printf("duplicate upload, already applied as version %d (status=%s)\n", version.VersionNumber, version.Status)
		return
	}
	fmt.Printf("version %d status=%s created=%d updated=%d unchanged=%d errors=%d\n",
		version.VersionNumber, version.Status,
		version.UnitsCreated, version.UnitsUpdated, version.UnitsUnchanged, version.UnitsErrors)
	for _, e := range version.Errors {
		fmt.Printf("  error: %s %s\n", e.UnitNumber, e.Message)
	}
	for _, w := range version.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func runMailExtract(input, outDir string) {
	raw, err := os.ReadFile(input)
	must(err)

	atts, err := intake.PriceListAttachments(raw)
	must(err)
	if len(atts) == 0 {
		must(fmt.Errorf("no price list attachments in %s", input))
	}

	must(os.MkdirAll(outDir, 0o755))
	for _, att := range atts {
		path := outDir + string(os.PathSeparator) + att.FileName
		must(os.WriteFile(path, att.Content, 0o644))
		fmt.Printf("extracted %s (%d bytes)\n", path, len(att.Content))
	}
	if subject := intake.Subject(raw); subject != "" {
		fmt.Printf("subject: %s\n", subject)
	}
}

func usage() {
	fmt.Println(`usage: priceflow <command> [flags]

commands:
  serve            start the HTTP API
  parse            parse a price list and print the units
  ingest           parse and reconcile a price list into the catalog
  mail:extract     pull price list attachments out of a raw email
  feedback:stats   print classifier learning metrics
  export:history   export a version's change history to xlsx`)
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
