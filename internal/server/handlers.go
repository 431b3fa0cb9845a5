package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"priceflow/internal"
	"priceflow/internal/ingest"
)

type uploadResponse struct {
	SessionID   string                      `json:"session_id"`
	State       string                      `json:"state"`
	SourceType  internal.SourceType         `json:"source_type"`
	Suggestions []internal.ColumnSuggestion `json:"suggestions,omitempty"`
	PreviewRows [][]string                  `json:"preview_rows,omitempty"`
	Error       string                      `json:"error,omitempty"`
	ErrorType   string                      `json:"error_type,omitempty"`
}

// handleUpload accepts either a multipart file or a JSON body with a remote
// sheet URL and opens a parse session.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var (
		filename  string
		data      []byte
		url       string
		sheetHint string
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			URL       string `json:"url"`
			SheetHint string `json:"sheet_hint"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}
		url = body.URL
		sheetHint = body.SheetHint
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
			return
		}
		filename = header.Filename
		sheetHint = r.FormValue("sheet_hint")
	}

	sess, err := s.sessions.Upload(r.Context(), filename, data, url, sheetHint)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, uploadResponse{
		SessionID:   sess.ID,
		State:       string(sess.State),
		SourceType:  sess.SourceType,
		Suggestions: sess.Suggestions,
		PreviewRows: sess.Preview,
		Error:       sess.Error,
		ErrorType:   sess.ErrorType,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mapping map[string]string `json:"mapping"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Mapping) == 0 {
		writeError(w, http.StatusBadRequest, "mapping is required")
		return
	}

	sess, err := s.sessions.Confirm(chi.URLParam(r, "sessionID"), body.Mapping)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Currency string `json:"currency"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Currency == "" {
		body.Currency = "THB"
	}

	result, err := s.sessions.Parse(chi.URLParam(r, "sessionID"), body.Currency)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	resp := map[string]interface{}{
		"success":       result.Success,
		"method":        result.Method,
		"fallback_used": result.FallbackUsed,
		"warnings":      result.Warnings,
		"duration_ms":   result.DurationMs,
	}
	if result.Success {
		resp["units"] = result.Data.Units
		resp["valid_count"] = len(result.Data.ValidUnits())
		resp["invalid_count"] = len(result.Data.InvalidUnits())
	} else {
		resp["error_message"] = result.ErrorMessage
		resp["error_type"] = result.ErrorType
	}
	writeJSON(w, resp)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Destroy(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, map[string]bool{"destroyed": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sessions.Stats())
}

// handleIngest reconciles a parsed session against the project catalog.
// Processing is asynchronous; the response carries the version id to poll.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := s.sessions.Get(body.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.Result == nil || !sess.Result.Success {
		writeError(w, http.StatusConflict, "session has no parsed data")
		return
	}

	version, dup, err := s.engine.Start(ingest.Request{
		ProjectID:  projectID,
		Data:       sess.Result.Data,
		SourceType: sess.SourceType,
		FileName:   sess.FileName,
		RawContent: sess.RawContent,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if dup {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, map[string]interface{}{
			"error":          "file already processed",
			"version_id":     version.ID,
			"version_number": version.VersionNumber,
			"status":         version.Status,
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{
		"version_id":     version.ID,
		"version_number": version.VersionNumber,
		"status":         version.Status,
	})
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := s.loadVersion(w, r)
	if !ok {
		return
	}
	writeJSON(w, versionResponse(version))
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	version, ok := s.loadVersion(w, r)
	if !ok {
		return
	}
	history, err := s.db.HistoryForVersion(version.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, history)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	version, ok := s.loadVersion(w, r)
	if !ok {
		return
	}

	var body struct {
		Approve    bool   `json:"approve"`
		Notes      string `json:"notes"`
		ReviewerID *int64 `json:"reviewer_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reviewed, err := s.engine.Review(version.ID, body.Approve, body.Notes, body.ReviewerID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, versionResponse(reviewed))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	version, ok := s.loadVersion(w, r)
	if !ok {
		return
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, found := s.sessions.Get(body.SessionID)
	if !found || sess.Result == nil || !sess.Result.Success {
		writeError(w, http.StatusConflict, "session has no parsed data")
		return
	}

	retried, err := s.engine.Retry(version.ID, sess.Result.Data)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, versionResponse(retried))
}

func (s *Server) loadVersion(w http.ResponseWriter, r *http.Request) (*internal.PriceVersion, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "versionID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version id")
		return nil, false
	}
	version, err := s.db.GetVersion(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if version == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("version %d not found", id))
		return nil, false
	}
	return version, true
}

func versionResponse(v *internal.PriceVersion) map[string]interface{} {
	return map[string]interface{}{
		"id":              v.ID,
		"project_id":      v.ProjectID,
		"version_number":  v.VersionNumber,
		"source_type":     v.SourceType,
		"source_file":     v.SourceFileName,
		"status":          v.Status,
		"units_created":   v.UnitsCreated,
		"units_updated":   v.UnitsUpdated,
		"units_unchanged": v.UnitsUnchanged,
		"units_errors":    v.UnitsErrors,
		"currency":        v.Currency,
		"exchange_rate":   v.ExchangeRateUSD,
		"errors":          v.Errors,
		"warnings":        v.Warnings,
		"reviewed_at":     v.ReviewedAt,
		"created_at":      v.CreatedAt,
	}
}
