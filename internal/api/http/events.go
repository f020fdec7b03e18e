package http

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/ledger"
	"github.com/strata/strata/pkg/types"
)

// AppendRequest is the body of POST /v1/events.
type AppendRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id,omitempty"`
	types.EventPayload
}

// ProjectRequest is the body of POST /v1/projects.
type ProjectRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ProjectID   string `json:"project_id"`
}

// handleAppend appends one event. A replayed idempotency key answers 200 with the
// original event instead of 201.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.events.Append(r.Context(), ledger.AppendRequest{
		Scope: types.ScopeKey{
			TenantID:    GetTenantID(r.Context()),
			WorkspaceID: req.WorkspaceID,
			ProjectID:   req.ProjectID,
		},
		Payload:        req.EventPayload,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, status, res.Event)
}

// handleQuery reads a page of the tenant's hot events, newest first.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var limit int
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, r, strataerrors.NewValidationError("limit must be an integer"))
			return
		}
	}

	page, err := s.events.Query(r.Context(), ledger.QueryRequest{
		Filter: types.EventFilter{
			TenantID:     GetTenantID(r.Context()),
			WorkspaceID:  q.Get("workspace_id"),
			ProjectID:    q.Get("project_id"),
			Category:     q.Get("category"),
			Action:       q.Get("action"),
			ActorID:      q.Get("actor_id"),
			ResourceType: q.Get("resource_type"),
			ResourceID:   q.Get("resource_id"),
			From:         from,
			To:           to,
		},
		Cursor: q.Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleVerifyChain recomputes one scope's hash chain.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := s.events.VerifyChain(r.Context(), types.ScopeKey{
		TenantID:    GetTenantID(r.Context()),
		WorkspaceID: q.Get("workspace_id"),
		ProjectID:   q.Get("project_id"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ProjectID == "" {
		writeError(w, r, strataerrors.NewValidationError("project_id is required"))
		return
	}
	scope := types.ScopeKey{
		TenantID:    GetTenantID(r.Context()),
		WorkspaceID: req.WorkspaceID,
		ProjectID:   req.ProjectID,
	}
	if err := s.events.RegisterProject(r.Context(), scope); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scope)
}

// timeRange parses the optional RFC 3339 from and to query parameters.
func timeRange(q url.Values) (from, to *time.Time, err error) {
	if from, err = parseTime(q, "from"); err != nil {
		return nil, nil, err
	}
	if to, err = parseTime(q, "to"); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func parseTime(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, strataerrors.NewValidationError(name + " must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}
