package internal

import "time"

type SourceType string

const (
	SourceExcel       SourceType = "excel"
	SourceCSV         SourceType = "csv"
	SourcePDF         SourceType = "pdf"
	SourceGoogleSheet SourceType = "google_sheets"
	SourceHTML        SourceType = "html"
	SourceEmail       SourceType = "email"
	SourceManual      SourceType = "manual"
)

type UnitStatus string

const (
	StatusAvailable UnitStatus = "available"
	StatusReserved  UnitStatus = "reserved"
	StatusSold      UnitStatus = "sold"
	StatusHold      UnitStatus = "hold"
	StatusUnknown   UnitStatus = "unknown"
)

type VersionStatus string

const (
	VersionPending        VersionStatus = "pending"
	VersionProcessing     VersionStatus = "processing"
	VersionCompleted      VersionStatus = "completed"
	VersionFailed         VersionStatus = "failed"
	VersionRequiresReview VersionStatus = "requires_review"
	VersionApproved       VersionStatus = "approved"
	VersionRejected       VersionStatus = "rejected"
)

type ChangeType string

const (
	ChangeIncrease     ChangeType = "increase"
	ChangeDecrease     ChangeType = "decrease"
	ChangeStatusChange ChangeType = "status_change"
	ChangeUpdate       ChangeType = "update"
)

// Canonical target fields a price-list column can map to.
const (
	FieldUnitNumber  = "unit_number"
	FieldBedrooms    = "bedrooms"
	FieldBathrooms   = "bathrooms"
	FieldArea        = "area"
	FieldFloor       = "floor"
	FieldBuilding    = "building"
	FieldPrice       = "price"
	FieldPricePerSqm = "price_per_sqm"
	FieldStatus      = "status"
	FieldView        = "view"
	FieldLayout      = "layout"
	FieldPhase       = "phase"
	FieldUnknown     = "unknown"

	// FieldCurrency is not a classification target: currency is a per-run
	// parameter. AI-extracted rows may still carry it as a per-row override.
	FieldCurrency = "currency"
)

func TargetFields() []string {
	return []string{
		FieldUnitNumber, FieldBedrooms, FieldBathrooms, FieldArea, FieldFloor,
		FieldBuilding, FieldPrice, FieldPricePerSqm, FieldStatus, FieldView,
		FieldLayout, FieldPhase,
	}
}

// ExtractedTable is the normalized output of every extractor: ordered headers
// plus one header->raw-value map per row. Immutable once produced.
type ExtractedTable struct {
	Headers []string
	Rows    []map[string]string
}

type ColumnSuggestion struct {
	Index            int     `json:"index"`
	Header           string  `json:"header"`
	HeaderNormalized string  `json:"header_normalized"`
	SuggestedField   string  `json:"suggested_field"`
	Confidence       float64 `json:"confidence"`
}

type ParsedUnit struct {
	UnitNumber  string     `json:"unit_number"`
	Bedrooms    *int       `json:"bedrooms,omitempty"`
	Bathrooms   *int       `json:"bathrooms,omitempty"`
	AreaSqm     *float64   `json:"area_sqm,omitempty"`
	Floor       *int       `json:"floor,omitempty"`
	Building    *string    `json:"building,omitempty"`
	Price       *float64   `json:"price,omitempty"`
	PricePerSqm *float64   `json:"price_per_sqm,omitempty"`
	Currency    string     `json:"currency"`
	LayoutType  *string    `json:"layout_type,omitempty"`
	ViewType    *string    `json:"view_type,omitempty"`
	Phase       *string    `json:"phase,omitempty"`
	Status      UnitStatus `json:"status"`

	IsValid          bool     `json:"is_valid"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	RawRow map[string]string `json:"-"`
}

type ParsedData struct {
	Units      []ParsedUnit
	Currency   string
	RawHeaders []string
}

func (d *ParsedData) ValidUnits() []ParsedUnit {
	out := make([]ParsedUnit, 0, len(d.Units))
	for _, u := range d.Units {
		if u.IsValid {
			out = append(out, u)
		}
	}
	return out
}

func (d *ParsedData) InvalidUnits() []ParsedUnit {
	out := make([]ParsedUnit, 0)
	for _, u := range d.Units {
		if !u.IsValid {
			out = append(out, u)
		}
	}
	return out
}

// ParsingResult reports how an extraction attempt ended, including which
// strategy produced the data and whether the fallback chain was taken.
type ParsingResult struct {
	Success      bool        `json:"success"`
	Data         *ParsedData `json:"-"`
	ErrorMessage string      `json:"error_message,omitempty"`
	ErrorType    string      `json:"error_type,omitempty"`
	Warnings     []string    `json:"warnings,omitempty"`
	Method       string      `json:"method"`
	FallbackUsed bool        `json:"fallback_used"`
	DurationMs   int64       `json:"duration_ms"`
}

type Project struct {
	ID             int64
	Name           string
	RequiresReview bool
	VerifiedAt     *time.Time
}

// CatalogUnit is the live sellable-unit record keyed by (project, unit number).
type CatalogUnit struct {
	ID             int64
	ProjectID      int64
	UnitNumber     string
	Building       *string
	Floor          *int
	Bedrooms       *int
	Bathrooms      *int
	AreaSqm        *float64
	Price          *float64
	PricePerSqm    *float64
	PriceUSD       *float64
	PricePerSqmUSD *float64
	Currency       string
	Status         UnitStatus
	LayoutType     *string
	ViewType       *string
	RequiresReview bool
	PriceVersionID *int64
	UpdatedAt      time.Time
}

type VersionError struct {
	UnitNumber string `json:"unit_number,omitempty"`
	Message    string `json:"message"`
}

// PriceVersion tracks one ingestion attempt for a project. VersionNumber is
// monotonic per project and never reused, even across failed attempts.
type PriceVersion struct {
	ID             int64
	ProjectID      int64
	VersionNumber  int
	SourceType     SourceType
	SourceFileName string
	SourceFileHash string
	Status         VersionStatus

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time

	UnitsCreated   int
	UnitsUpdated   int
	UnitsUnchanged int
	UnitsErrors    int

	Currency        string
	ExchangeRateUSD *float64

	Errors   []VersionError
	Warnings []string

	ReviewedAt  *time.Time
	ReviewNotes *string
	ReviewedBy  *int64

	CreatedAt time.Time
}

// PriceHistory is one immutable before/after record per detected change.
type PriceHistory struct {
	ID             int64
	UnitID         int64
	PriceVersionID int64

	OldPrice       *float64
	OldPriceUSD    *float64
	OldPricePerSqm *float64
	OldStatus      *string

	NewPrice       *float64
	NewPriceUSD    *float64
	NewPricePerSqm *float64
	NewStatus      *string

	PriceChange        *float64
	PriceChangePercent *float64
	ChangeType         ChangeType

	Currency     string
	ExchangeRate *float64
	CreatedAt    time.Time
}

type ExchangeRate struct {
	BaseCurrency   string
	TargetCurrency string
	Rate           float64
	RateDate       time.Time
}

type IngestStats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}
