package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"priceflow/internal"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS projects (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  requiresReview INTEGER NOT NULL DEFAULT 0,
  verifiedAt TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS units (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  projectId INTEGER NOT NULL,
  unitNumber TEXT NOT NULL COLLATE NOCASE,
  building TEXT,
  floor INTEGER,
  bedrooms INTEGER,
  bathrooms INTEGER,
  areaSqm REAL,
  price REAL,
  pricePerSqm REAL,
  priceUsd REAL,
  pricePerSqmUsd REAL,
  currency TEXT NOT NULL DEFAULT 'THB',
  status TEXT NOT NULL DEFAULT 'unknown',
  layoutType TEXT,
  viewType TEXT,
  requiresReview INTEGER NOT NULL DEFAULT 0,
  priceVersionId INTEGER,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(projectId, unitNumber),
  FOREIGN KEY(projectId) REFERENCES projects(id)
);
CREATE INDEX IF NOT EXISTS idx_units_project ON units(projectId);

CREATE TABLE IF NOT EXISTS price_versions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  projectId INTEGER NOT NULL,
  versionNumber INTEGER NOT NULL,
  sourceType TEXT NOT NULL,
  sourceFileName TEXT NOT NULL DEFAULT '',
  sourceFileHash TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  processingStartedAt TEXT,
  processingCompletedAt TEXT,
  unitsCreated INTEGER NOT NULL DEFAULT 0,
  unitsUpdated INTEGER NOT NULL DEFAULT 0,
  unitsUnchanged INTEGER NOT NULL DEFAULT 0,
  unitsErrors INTEGER NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT 'THB',
  exchangeRateUsd REAL,
  errorsJson TEXT NOT NULL DEFAULT '[]',
  warningsJson TEXT NOT NULL DEFAULT '[]',
  reviewedAt TEXT,
  reviewNotes TEXT,
  reviewedBy INTEGER,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(projectId, versionNumber),
  FOREIGN KEY(projectId) REFERENCES projects(id)
);
CREATE INDEX IF NOT EXISTS idx_versions_project ON price_versions(projectId);
CREATE INDEX IF NOT EXISTS idx_versions_hash ON price_versions(projectId, sourceFileHash);

CREATE TABLE IF NOT EXISTS price_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  unitId INTEGER NOT NULL,
  priceVersionId INTEGER NOT NULL,
  oldPrice REAL,
  oldPriceUsd REAL,
  oldPricePerSqm REAL,
  oldStatus TEXT,
  newPrice REAL,
  newPriceUsd REAL,
  newPricePerSqm REAL,
  newStatus TEXT,
  priceChange REAL,
  priceChangePercent REAL,
  changeType TEXT NOT NULL,
  currency TEXT NOT NULL,
  exchangeRate REAL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(unitId) REFERENCES units(id),
  FOREIGN KEY(priceVersionId) REFERENCES price_versions(id)
);
CREATE INDEX IF NOT EXISTS idx_history_unit ON price_history(unitId);
CREATE INDEX IF NOT EXISTS idx_history_version ON price_history(priceVersionId);

CREATE TABLE IF NOT EXISTS exchange_rates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  baseCurrency TEXT NOT NULL,
  targetCurrency TEXT NOT NULL,
  rate REAL NOT NULL,
  rateDate TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_rates_pair ON exchange_rates(baseCurrency, targetCurrency, rateDate);
`
	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) GetOrCreateProject(name string) (internal.Project, error) {
	_, err := d.conn.Exec(`INSERT INTO projects (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name)
	if err != nil {
		return internal.Project{}, err
	}
	var p internal.Project
	var verifiedAt sql.NullString
	err = d.conn.QueryRow(`SELECT id, name, requiresReview, verifiedAt FROM projects WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.RequiresReview, &verifiedAt)
	if err != nil {
		return internal.Project{}, err
	}
	p.VerifiedAt = parseNullTime(verifiedAt)
	return p, nil
}

func (d *DB) GetProject(id int64) (*internal.Project, error) {
	var p internal.Project
	var verifiedAt sql.NullString
	err := d.conn.QueryRow(`SELECT id, name, requiresReview, verifiedAt FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.RequiresReview, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.VerifiedAt = parseNullTime(verifiedAt)
	return &p, nil
}

func (d *DB) SetProjectRequiresReview(id int64, requires bool) error {
	_, err := d.conn.Exec(`UPDATE projects SET requiresReview = ? WHERE id = ?`, boolInt(requires), id)
	return err
}

// VerifyProject records a human sign-off: review flags set during ingestion
// are cleared on the project and its units, and the verification time is
// stamped.
func (d *DB) VerifyProject(id int64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE projects SET requiresReview = 0, verifiedAt = CURRENT_TIMESTAMP WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE units SET requiresReview = 0 WHERE projectId = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListUnits returns every live unit of a project keyed by uppercase unit number.
func (d *DB) ListUnits(projectID int64) (map[string]internal.CatalogUnit, error) {
	rows, err := d.conn.Query(`
SELECT id, projectId, unitNumber, building, floor, bedrooms, bathrooms, areaSqm,
       price, pricePerSqm, priceUsd, pricePerSqmUsd, currency, status,
       layoutType, viewType, requiresReview, priceVersionId, updatedAt
FROM units WHERE projectId = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]internal.CatalogUnit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(u.UnitNumber)] = u
	}
	return out, rows.Err()
}

func scanUnit(rows *sql.Rows) (internal.CatalogUnit, error) {
	var u internal.CatalogUnit
	var updatedAt string
	err := rows.Scan(
		&u.ID, &u.ProjectID, &u.UnitNumber, &u.Building, &u.Floor, &u.Bedrooms, &u.Bathrooms, &u.AreaSqm,
		&u.Price, &u.PricePerSqm, &u.PriceUSD, &u.PricePerSqmUSD, &u.Currency, &u.Status,
		&u.LayoutType, &u.ViewType, &u.RequiresReview, &u.PriceVersionID, &updatedAt,
	)
	if err != nil {
		return internal.CatalogUnit{}, err
	}
	u.UpdatedAt = parseTime(updatedAt)
	return u, nil
}

// CreateVersion allocates the next version number for the project atomically
// and inserts the version row in one transaction.
func (d *DB) CreateVersion(v *internal.PriceVersion) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(versionNumber), 0) + 1 FROM price_versions WHERE projectId = ?`,
		v.ProjectID,
	).Scan(&next); err != nil {
		return err
	}
	v.VersionNumber = next

	errorsJSON, _ := json.Marshal(orEmptyErrors(v.Errors))
	warningsJSON, _ := json.Marshal(orEmptyStrings(v.Warnings))
	res, err := tx.Exec(`
INSERT INTO price_versions (
  projectId, versionNumber, sourceType, sourceFileName, sourceFileHash,
  status, currency, exchangeRateUsd, errorsJson, warningsJson
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ProjectID, v.VersionNumber, v.SourceType, v.SourceFileName, v.SourceFileHash,
		v.Status, v.Currency, v.ExchangeRateUSD, string(errorsJSON), string(warningsJSON),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	v.ID = id

	return tx.Commit()
}

func (d *DB) GetVersion(id int64) (*internal.PriceVersion, error) {
	row := d.conn.QueryRow(versionSelect+` WHERE id = ?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *DB) ListVersions(projectID int64, limit int) ([]internal.PriceVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(versionSelect+` WHERE projectId = ? ORDER BY versionNumber DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.PriceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// FindVersionByHash reports an earlier successful ingestion of the same file.
func (d *DB) FindVersionByHash(projectID int64, hash string) (*internal.PriceVersion, error) {
	if hash == "" {
		return nil, nil
	}
	row := d.conn.QueryRow(
		versionSelect+` WHERE projectId = ? AND sourceFileHash = ? AND status IN (?, ?) ORDER BY versionNumber DESC LIMIT 1`,
		projectID, hash, internal.VersionCompleted, internal.VersionApproved,
	)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// HasNewerApplied reports whether a later version for the project already
// reached the catalog, which makes an in-flight older version stale.
func (d *DB) HasNewerApplied(projectID int64, versionNumber int) (bool, error) {
	var n int
	err := d.conn.QueryRow(`
SELECT COUNT(*) FROM price_versions
WHERE projectId = ? AND versionNumber > ? AND status IN (?, ?)`,
		projectID, versionNumber, internal.VersionCompleted, internal.VersionApproved,
	).Scan(&n)
	return n > 0, err
}

const versionSelect = `
SELECT id, projectId, versionNumber, sourceType, sourceFileName, sourceFileHash, status,
       processingStartedAt, processingCompletedAt,
       unitsCreated, unitsUpdated, unitsUnchanged, unitsErrors,
       currency, exchangeRateUsd, errorsJson, warningsJson,
       reviewedAt, reviewNotes, reviewedBy, createdAt
FROM price_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*internal.PriceVersion, error) {
	var v internal.PriceVersion
	var startedAt, completedAt, reviewedAt sql.NullString
	var errorsJSON, warningsJSON, createdAt string
	err := row.Scan(
		&v.ID, &v.ProjectID, &v.VersionNumber, &v.SourceType, &v.SourceFileName, &v.SourceFileHash, &v.Status,
		&startedAt, &completedAt,
		&v.UnitsCreated, &v.UnitsUpdated, &v.UnitsUnchanged, &v.UnitsErrors,
		&v.Currency, &v.ExchangeRateUSD, &errorsJSON, &warningsJSON,
		&reviewedAt, &v.ReviewNotes, &v.ReviewedBy, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	v.ProcessingStartedAt = parseNullTime(startedAt)
	v.ProcessingCompletedAt = parseNullTime(completedAt)
	v.ReviewedAt = parseNullTime(reviewedAt)
	v.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(errorsJSON), &v.Errors)
	_ = json.Unmarshal([]byte(warningsJSON), &v.Warnings)
	return &v, nil
}

// UpdateVersionStatus moves a version through the workflow, stamping the
// processing timestamps that match the transition.
func (d *DB) UpdateVersionStatus(id int64, status internal.VersionStatus) error {
	switch status {
	case internal.VersionProcessing:
		_, err := d.conn.Exec(
			`UPDATE price_versions SET status = ?, processingStartedAt = CURRENT_TIMESTAMP WHERE id = ?`,
			status, id)
		return err
	case internal.VersionCompleted, internal.VersionFailed, internal.VersionRequiresReview:
		_, err := d.conn.Exec(
			`UPDATE price_versions SET status = ?, processingCompletedAt = CURRENT_TIMESTAMP WHERE id = ?`,
			status, id)
		return err
	default:
		_, err := d.conn.Exec(`UPDATE price_versions SET status = ? WHERE id = ?`, status, id)
		return err
	}
}

func (d *DB) FinishVersion(v *internal.PriceVersion) error {
	errorsJSON, _ := json.Marshal(orEmptyErrors(v.Errors))
	warningsJSON, _ := json.Marshal(orEmptyStrings(v.Warnings))
	_, err := d.conn.Exec(`
UPDATE price_versions SET
  status = ?, processingCompletedAt = CURRENT_TIMESTAMP,
  unitsCreated = ?, unitsUpdated = ?, unitsUnchanged = ?, unitsErrors = ?,
  exchangeRateUsd = ?, errorsJson = ?, warningsJson = ?
WHERE id = ?`,
		v.Status, v.UnitsCreated, v.UnitsUpdated, v.UnitsUnchanged, v.UnitsErrors,
		v.ExchangeRateUSD, string(errorsJSON), string(warningsJSON), v.ID,
	)
	return err
}

func (d *DB) ReviewVersion(id int64, status internal.VersionStatus, notes string, reviewerID *int64) error {
	_, err := d.conn.Exec(`
UPDATE price_versions SET status = ?, reviewedAt = CURRENT_TIMESTAMP, reviewNotes = ?, reviewedBy = ?
WHERE id = ?`, status, notes, reviewerID, id)
	return err
}

// UnitChange pairs a unit upsert with the history record the reconciliation
// produced for it, if any. Unchanged units carry no history.
type UnitChange struct {
	Unit    internal.CatalogUnit
	History *internal.PriceHistory
}

// ApplyChanges writes one reconciliation run atomically: unit upserts plus
// their history records. Nothing is committed if any write fails.
func (d *DB) ApplyChanges(versionID int64, changes []UnitChange) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	unitStmt, err := tx.Prepare(`
INSERT INTO units (
  projectId, unitNumber, building, floor, bedrooms, bathrooms, areaSqm,
  price, pricePerSqm, priceUsd, pricePerSqmUsd, currency, status,
  layoutType, viewType, requiresReview, priceVersionId, updatedAt
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(projectId, unitNumber) DO UPDATE SET
  building=excluded.building,
  floor=excluded.floor,
  bedrooms=excluded.bedrooms,
  bathrooms=excluded.bathrooms,
  areaSqm=excluded.areaSqm,
  price=excluded.price,
  pricePerSqm=excluded.pricePerSqm,
  priceUsd=excluded.priceUsd,
  pricePerSqmUsd=excluded.pricePerSqmUsd,
  currency=excluded.currency,
  status=excluded.status,
  layoutType=excluded.layoutType,
  viewType=excluded.viewType,
  requiresReview=excluded.requiresReview,
  priceVersionId=excluded.priceVersionId,
  updatedAt=CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer unitStmt.Close()

	histStmt, err := tx.Prepare(`
INSERT INTO price_history (
  unitId, priceVersionId,
  oldPrice, oldPriceUsd, oldPricePerSqm, oldStatus,
  newPrice, newPriceUsd, newPricePerSqm, newStatus,
  priceChange, priceChangePercent, changeType, currency, exchangeRate
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer histStmt.Close()

	for _, ch := range changes {
		u := ch.Unit
		if _, err := unitStmt.Exec(
			u.ProjectID, u.UnitNumber, u.Building, u.Floor, u.Bedrooms, u.Bathrooms, u.AreaSqm,
			u.Price, u.PricePerSqm, u.PriceUSD, u.PricePerSqmUSD, u.Currency, u.Status,
			u.LayoutType, u.ViewType, boolInt(u.RequiresReview), versionID,
		); err != nil {
			return fmt.Errorf("upsert unit %s: %w", u.UnitNumber, err)
		}

		if ch.History == nil {
			continue
		}
		var unitID int64
		if err := tx.QueryRow(
			`SELECT id FROM units WHERE projectId = ? AND unitNumber = ?`,
			u.ProjectID, u.UnitNumber,
		).Scan(&unitID); err != nil {
			return err
		}
		h := ch.History
		if _, err := histStmt.Exec(
			unitID, versionID,
			h.OldPrice, h.OldPriceUSD, h.OldPricePerSqm, h.OldStatus,
			h.NewPrice, h.NewPriceUSD, h.NewPricePerSqm, h.NewStatus,
			h.PriceChange, h.PriceChangePercent, h.ChangeType, h.Currency, h.ExchangeRate,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) HistoryForVersion(versionID int64) ([]internal.PriceHistory, error) {
	rows, err := d.conn.Query(`
SELECT id, unitId, priceVersionId,
       oldPrice, oldPriceUsd, oldPricePerSqm, oldStatus,
       newPrice, newPriceUsd, newPricePerSqm, newStatus,
       priceChange, priceChangePercent, changeType, currency, exchangeRate, createdAt
FROM price_history WHERE priceVersionId = ? ORDER BY id`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHistory(rows)
}

func (d *DB) HistoryForUnit(unitID int64, limit int) ([]internal.PriceHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(`
SELECT id, unitId, priceVersionId,
       oldPrice, oldPriceUsd, oldPricePerSqm, oldStatus,
       newPrice, newPriceUsd, newPricePerSqm, newStatus,
       priceChange, priceChangePercent, changeType, currency, exchangeRate, createdAt
FROM price_history WHERE unitId = ? ORDER BY id DESC LIMIT ?`, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]internal.PriceHistory, error) {
	var out []internal.PriceHistory
	for rows.Next() {
		var h internal.PriceHistory
		var createdAt string
		if err := rows.Scan(
			&h.ID, &h.UnitID, &h.PriceVersionID,
			&h.OldPrice, &h.OldPriceUSD, &h.OldPricePerSqm, &h.OldStatus,
			&h.NewPrice, &h.NewPriceUSD, &h.NewPricePerSqm, &h.NewStatus,
			&h.PriceChange, &h.PriceChangePercent, &h.ChangeType, &h.Currency, &h.ExchangeRate, &createdAt,
		); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (d *DB) SaveRate(rate internal.ExchangeRate) error {
	_, err := d.conn.Exec(`
INSERT INTO exchange_rates (baseCurrency, targetCurrency, rate, rateDate)
VALUES (?, ?, ?, ?)`,
		rate.BaseCurrency, rate.TargetCurrency, rate.Rate, rate.RateDate.Format(time.RFC3339))
	return err
}

// LatestRate returns the most recent stored rate for the pair, or nil.
func (d *DB) LatestRate(base, target string) (*internal.ExchangeRate, error) {
	var r internal.ExchangeRate
	var rateDate string
	err := d.conn.QueryRow(`
SELECT baseCurrency, targetCurrency, rate, rateDate FROM exchange_rates
WHERE baseCurrency = ? AND targetCurrency = ?
ORDER BY rateDate DESC, id DESC LIMIT 1`, base, target).
		Scan(&r.BaseCurrency, &r.TargetCurrency, &r.Rate, &rateDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.RateDate = parseTime(rateDate)
	return &r, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func orEmptyErrors(v []internal.VersionError) []internal.VersionError {
	if v == nil {
		return []internal.VersionError{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
