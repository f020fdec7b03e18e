package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strata/strata/internal/scheduler"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string                `json:"status"`
	Regions []string              `json:"regions"`
	Jobs    []scheduler.JobStatus `json:"jobs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Regions: s.regions}
	if s.jobs != nil {
		resp.Jobs = s.jobs.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// JobRunResponse is the body of a successful operator job run.
type JobRunResponse struct {
	Job    string `json:"job"`
	Region string `json:"region,omitempty"`
	Status string `json:"status"`
}

// handleRunJob runs one background job synchronously, for one region or all.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeMessage(w, r, http.StatusServiceUnavailable, "INTERNAL", "JOBS_DISABLED", "background jobs are not configured")
		return
	}
	job := chi.URLParam(r, "job")
	regionName := r.URL.Query().Get("region")

	s.logger.InfoContext(r.Context(), "operator job run",
		"request_id", GetRequestID(r.Context()),
		"job", job,
		"region", regionName,
	)
	if err := s.jobs.RunJob(r.Context(), job, regionName); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobRunResponse{Job: job, Region: regionName, Status: "ok"})
}
