package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strata/strata/internal/restore"
	"github.com/strata/strata/pkg/types"
)

// RestoreRequest is the body of POST /v1/restores. Days of zero picks the default
// window.
type RestoreRequest struct {
	BatchID string `json:"batch_id"`
	Tier    string `json:"tier"`
	Days    int    `json:"days,omitempty"`
}

func (s *Server) handleCreateRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rr, err := s.restores.Create(r.Context(), restore.CreateRequest{
		TenantID:    GetTenantID(r.Context()),
		BatchID:     req.BatchID,
		Tier:        types.RestoreTier(req.Tier),
		Days:        req.Days,
		RequestedBy: GetActorID(r.Context()),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

func (s *Server) handleGetRestore(w http.ResponseWriter, r *http.Request) {
	rr, err := s.restores.Get(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleApproveRestore(w http.ResponseWriter, r *http.Request) {
	rr, err := s.restores.Approve(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"), GetActorID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (s *Server) handleCancelRestore(w http.ResponseWriter, r *http.Request) {
	rr, err := s.restores.Cancel(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

// BatchList is the response of GET /v1/archive-batches.
type BatchList struct {
	Batches []*types.ArchiveBatch `json:"batches"`
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := timeRange(q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	batches, err := s.restores.ListArchiveBatches(r.Context(), types.BatchFilter{
		TenantID:    GetTenantID(r.Context()),
		WorkspaceID: q.Get("workspace_id"),
		From:        from,
		To:          to,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchList{Batches: batches})
}
