package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"priceflow/internal"
	"priceflow/internal/storage"
)

// priceEpsilon is the relative price delta below which two prices count as
// equal, absorbing float noise from currency round-trips.
const priceEpsilon = 0.0001

// Engine reconciles parsed price lists against the unit catalog, one version
// per attempt. Runs for the same project are serialized; runs for different
// projects proceed in parallel.
type Engine struct {
	db       *storage.DB
	notifier *Notifier

	mu       sync.Mutex
	projects map[int64]*sync.Mutex
}

func NewEngine(db *storage.DB, notifier *Notifier) *Engine {
	return &Engine{db: db, notifier: notifier, projects: map[int64]*sync.Mutex{}}
}

// Request describes one ingestion attempt.
type Request struct {
	ProjectID  int64
	Data       *internal.ParsedData
	SourceType internal.SourceType
	FileName   string
	RawContent []byte
}

// FileHash fingerprints the uploaded content for duplicate detection.
func FileHash(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (e *Engine) projectLock(projectID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.projects[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.projects[projectID] = lock
	}
	return lock
}

// Start registers a version and processes it in the background. The caller
// polls the version id for progress. A re-upload of a file already applied
// for the project returns the earlier version without creating a new one.
func (e *Engine) Start(req Request) (*internal.PriceVersion, bool, error) {
	version, dup, err := e.prepare(req)
	if err != nil || dup {
		return version, dup, err
	}
	go e.process(version, req.Data)
	return version, false, nil
}

// Run is the synchronous variant of Start, used by the CLI.
func (e *Engine) Run(req Request) (*internal.PriceVersion, bool, error) {
	version, dup, err := e.prepare(req)
	if err != nil || dup {
		return version, dup, err
	}
	e.process(version, req.Data)
	final, err := e.db.GetVersion(version.ID)
	return final, false, err
}

func (e *Engine) prepare(req Request) (*internal.PriceVersion, bool, error) {
	if req.Data == nil || len(req.Data.Units) == 0 {
		return nil, false, fmt.Errorf("nothing to ingest")
	}

	hash := FileHash(req.RawContent)
	if hash != "" {
		existing, err := e.db.FindVersionByHash(req.ProjectID, hash)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	version := &internal.PriceVersion{
		ProjectID:      req.ProjectID,
		SourceType:     req.SourceType,
		SourceFileName: req.FileName,
		SourceFileHash: hash,
		Status:         internal.VersionPending,
		Currency:       req.Data.Currency,
	}
	if err := e.db.CreateVersion(version); err != nil {
		return nil, false, err
	}
	return version, false, nil
}

func (e *Engine) process(version *internal.PriceVersion, data *internal.ParsedData) {
	lock := e.projectLock(version.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.db.UpdateVersionStatus(version.ID, internal.VersionProcessing); err != nil {
		fmt.Printf("[ingest] version %d: %v\n", version.ID, err)
		return
	}

	stale, err := e.db.HasNewerApplied(version.ProjectID, version.VersionNumber)
	if err == nil && stale {
		version.Status = internal.VersionFailed
		version.Errors = append(version.Errors, internal.VersionError{
			Message: "superseded by a newer applied version",
		})
		_ = e.db.FinishVersion(version)
		return
	}

	if err := e.reconcile(version, data); err != nil {
		version.Status = internal.VersionFailed
		version.Errors = append(version.Errors, internal.VersionError{Message: err.Error()})
		_ = e.db.FinishVersion(version)
		return
	}

	if version.Status == internal.VersionRequiresReview {
		e.notifier.RequiresReview(version.ProjectID, version.ID, version.VersionNumber, reviewReason(version))
	}
}

func (e *Engine) reconcile(version *internal.PriceVersion, data *internal.ParsedData) error {
	existing, err := e.db.ListUnits(version.ProjectID)
	if err != nil {
		return err
	}
	project, err := e.db.GetProject(version.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %d not found", version.ProjectID)
	}

	conv := NewConverter(e.db)
	rate, err := conv.RateToUSD(data.Currency)
	if err != nil {
		return err
	}
	version.ExchangeRateUSD = &rate

	var changes []storage.UnitChange
	for _, pu := range data.Units {
		if !pu.IsValid {
			version.UnitsErrors++
			version.Errors = append(version.Errors, internal.VersionError{
				UnitNumber: pu.UnitNumber,
				Message:    fmt.Sprintf("invalid unit: %v", pu.ValidationErrors),
			})
			continue
		}

		next, err := e.toCatalogUnit(version, pu, conv)
		if err != nil {
			version.UnitsErrors++
			version.Errors = append(version.Errors, internal.VersionError{
				UnitNumber: pu.UnitNumber, Message: err.Error(),
			})
			continue
		}

		prev, found := existing[pu.UnitNumber]
		if !found {
			version.UnitsCreated++
			changes = append(changes, storage.UnitChange{Unit: next})
			continue
		}

		hist, changed := diffUnit(prev, next, data.Currency, rate)
		if !changed {
			version.UnitsUnchanged++
			continue
		}
		next.RequiresReview = true
		version.UnitsUpdated++
		changes = append(changes, storage.UnitChange{Unit: next, History: hist})
	}

	version.Warnings = append(version.Warnings, conv.Warnings()...)

	if version.UnitsCreated+version.UnitsUpdated+version.UnitsUnchanged == 0 {
		return fmt.Errorf("no valid units in price list")
	}

	if err := e.db.ApplyChanges(version.ID, changes); err != nil {
		return err
	}
	if version.UnitsUpdated > 0 {
		if err := e.db.SetProjectRequiresReview(version.ProjectID, true); err != nil {
			return err
		}
	}

	version.Status = internal.VersionCompleted
	if version.UnitsErrors > 0 {
		version.Status = internal.VersionRequiresReview
	}
	return e.db.FinishVersion(version)
}

func (e *Engine) toCatalogUnit(version *internal.PriceVersion, pu internal.ParsedUnit, conv *Converter) (internal.CatalogUnit, error) {
	priceUSD, err := conv.ToUSD(pu.Price, pu.Currency)
	if err != nil {
		return internal.CatalogUnit{}, err
	}
	perSqmUSD, err := conv.ToUSD(pu.PricePerSqm, pu.Currency)
	if err != nil {
		return internal.CatalogUnit{}, err
	}

	return internal.CatalogUnit{
		ProjectID:      version.ProjectID,
		UnitNumber:     pu.UnitNumber,
		Building:       pu.Building,
		Floor:          pu.Floor,
		Bedrooms:       pu.Bedrooms,
		Bathrooms:      pu.Bathrooms,
		AreaSqm:        pu.AreaSqm,
		Price:          pu.Price,
		PricePerSqm:    pu.PricePerSqm,
		PriceUSD:       priceUSD,
		PricePerSqmUSD: perSqmUSD,
		Currency:       pu.Currency,
		Status:         pu.Status,
		LayoutType:     pu.LayoutType,
		ViewType:       pu.ViewType,
	}, nil
}

// diffUnit compares old and new state with three predicates: price delta,
// status change, detail change. The bool reports whether the unit changed at
// all; the history record is nil when there is nothing worth recording, which
// includes a price appearing where none was tracked before.
func diffUnit(prev, next internal.CatalogUnit, currency string, rate float64) (*internal.PriceHistory, bool) {
	priceChanged := priceDiffers(prev.Price, next.Price)
	statusChanged := prev.Status != next.Status && next.Status != internal.StatusUnknown
	detailsChanged := detailsDiffer(prev, next)

	if !priceChanged && !statusChanged && !detailsChanged {
		return nil, false
	}

	recordPrice := priceChanged && prev.Price != nil
	if !recordPrice && !statusChanged && !detailsChanged {
		return nil, true
	}

	h := &internal.PriceHistory{
		UnitID:         prev.ID,
		OldPrice:       prev.Price,
		OldPriceUSD:    prev.PriceUSD,
		OldPricePerSqm: prev.PricePerSqm,
		NewPrice:       next.Price,
		NewPriceUSD:    next.PriceUSD,
		NewPricePerSqm: next.PricePerSqm,
		Currency:       currency,
		ExchangeRate:   &rate,
	}
	oldStatus := string(prev.Status)
	newStatus := string(next.Status)
	h.OldStatus = &oldStatus
	h.NewStatus = &newStatus

	switch {
	case recordPrice && next.Price != nil:
		delta := *next.Price - *prev.Price
		h.PriceChange = &delta
		if *prev.Price != 0 {
			pct := round2(delta / *prev.Price * 100)
			h.PriceChangePercent = &pct
		}
		if delta > 0 {
			h.ChangeType = internal.ChangeIncrease
		} else {
			h.ChangeType = internal.ChangeDecrease
		}
	case recordPrice:
		h.ChangeType = internal.ChangeUpdate
	case statusChanged:
		h.ChangeType = internal.ChangeStatusChange
	default:
		h.ChangeType = internal.ChangeUpdate
	}
	return h, true
}

func priceDiffers(prev, cur *float64) bool {
	if prev == nil && cur == nil {
		return false
	}
	if prev == nil || cur == nil {
		return true
	}
	if *prev == 0 {
		return *cur != 0
	}
	return math.Abs(*cur-*prev)/math.Abs(*prev) > priceEpsilon
}

func detailsDiffer(prev, next internal.CatalogUnit) bool {
	return !intPtrEq(prev.Bedrooms, next.Bedrooms) ||
		!intPtrEq(prev.Bathrooms, next.Bathrooms) ||
		!intPtrEq(prev.Floor, next.Floor) ||
		!floatPtrEq(prev.AreaSqm, next.AreaSqm) ||
		!strPtrEq(prev.Building, next.Building) ||
		!strPtrEq(prev.LayoutType, next.LayoutType) ||
		!strPtrEq(prev.ViewType, next.ViewType)
}

// Review resolves a version that finished processing. Approval and rejection
// are only valid from requires_review or completed.
func (e *Engine) Review(versionID int64, approve bool, notes string, reviewerID *int64) (*internal.PriceVersion, error) {
	version, err := e.db.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fmt.Errorf("version %d not found", versionID)
	}
	if version.Status != internal.VersionRequiresReview && version.Status != internal.VersionCompleted {
		return nil, fmt.Errorf("version %d is %s, cannot review", versionID, version.Status)
	}

	status := internal.VersionApproved
	if !approve {
		status = internal.VersionRejected
	}
	if err := e.db.ReviewVersion(versionID, status, notes, reviewerID); err != nil {
		return nil, err
	}
	if approve {
		if err := e.db.VerifyProject(version.ProjectID); err != nil {
			return nil, err
		}
	}
	return e.db.GetVersion(versionID)
}

// Retry reprocesses a failed or review-parked version with fresh data. The
// version keeps its number; counts and errors are rebuilt from scratch.
func (e *Engine) Retry(versionID int64, data *internal.ParsedData) (*internal.PriceVersion, error) {
	version, err := e.db.GetVersion(versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fmt.Errorf("version %d not found", versionID)
	}
	if version.Status != internal.VersionFailed && version.Status != internal.VersionRequiresReview {
		return nil, fmt.Errorf("version %d is %s, cannot retry", versionID, version.Status)
	}
	if data == nil || len(data.Units) == 0 {
		return nil, fmt.Errorf("nothing to ingest")
	}

	version.UnitsCreated = 0
	version.UnitsUpdated = 0
	version.UnitsUnchanged = 0
	version.UnitsErrors = 0
	version.Errors = nil
	version.Warnings = nil

	e.process(version, data)
	return e.db.GetVersion(version.ID)
}

func reviewReason(v *internal.PriceVersion) string {
	return fmt.Sprintf("%d created, %d updated, %d errors", v.UnitsCreated, v.UnitsUpdated, v.UnitsErrors)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
