package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/export"
	"github.com/strata/strata/pkg/types"
)

// ExportRequest is the body of POST /v1/exports. RowLimit accepts a JSON number
// or a string; it is clamped to the plan maximum.
type ExportRequest struct {
	WorkspaceID string              `json:"workspace_id"`
	ProjectID   string              `json:"project_id,omitempty"`
	Source      string              `json:"source"`
	Format      string              `json:"format"`
	Filters     types.ExportFilters `json:"filters"`
	RowLimit    json.RawMessage     `json:"row_limit,omitempty"`
}

func (s *Server) handleStartExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := rowLimitText(req.RowLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := s.exports.Start(r.Context(), export.StartRequest{
		Scope: types.ScopeKey{
			TenantID:    GetTenantID(r.Context()),
			WorkspaceID: req.WorkspaceID,
			ProjectID:   req.ProjectID,
		},
		Source:   req.Source,
		Format:   req.Format,
		Filters:  req.Filters,
		RowLimit: limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.exports.Get(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleStreamExport runs a pending export into the response body. Errors that
// happen before the first byte are answered as JSON; after that the stream is
// cut short and the job records the failure.
func (s *Server) handleStreamExport(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.exports.Get(r.Context(), tenantID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	contentType, ext := exportMedia(job.Format)

	sw := &streamWriter{w: w, contentType: contentType,
		disposition: fmt.Sprintf("attachment; filename=%q", "export-"+job.ID+ext)}
	if _, err := s.exports.Stream(r.Context(), tenantID, id, sw); err != nil {
		if !sw.started {
			writeError(w, r, err)
			return
		}
		s.logger.WarnContext(r.Context(), "export stream ended early",
			"request_id", GetRequestID(r.Context()),
			"export_id", id,
			"error", err,
		)
		return
	}
	sw.start()
}

// streamWriter sends the export headers on the first write.
type streamWriter struct {
	w           http.ResponseWriter
	contentType string
	disposition string
	started     bool
}

func (s *streamWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", s.contentType)
	h.Set("Content-Disposition", s.disposition)
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.start()
	return s.w.Write(p)
}

func (s *streamWriter) Flush() {
	if !s.started {
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func exportMedia(f types.ExportFormat) (contentType, ext string) {
	switch f {
	case types.FormatCSV:
		return "text/csv; charset=utf-8", ".csv"
	case types.FormatJSON:
		return "application/json", ".json"
	default:
		return "application/x-ndjson", ".ndjson"
	}
}

// rowLimitText turns the raw row_limit value into the text form the streamer
// clamps. Absent and null mean no limit.
func rowLimitText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", strataerrors.NewValidationError("row_limit must be an integer")
		}
		return strings.TrimSpace(s), nil
	}
	return string(raw), nil
}
