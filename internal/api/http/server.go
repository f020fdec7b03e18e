package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strata/strata/internal/export"
	"github.com/strata/strata/internal/ledger"
	"github.com/strata/strata/internal/restore"
	"github.com/strata/strata/internal/scheduler"
	"github.com/strata/strata/pkg/types"
)

// EventService appends and reads ledger events.
type EventService interface {
	Append(ctx context.Context, req ledger.AppendRequest) (*ledger.AppendResult, error)
	Query(ctx context.Context, req ledger.QueryRequest) (*ledger.Page, error)
	VerifyChain(ctx context.Context, scope types.ScopeKey) (*ledger.ChainReport, error)
	RegisterProject(ctx context.Context, scope types.ScopeKey) error
}

// ExportService starts and streams export jobs.
type ExportService interface {
	Start(ctx context.Context, req export.StartRequest) (*types.ExportJob, error)
	Get(ctx context.Context, tenantID, id string) (*types.ExportJob, error)
	Stream(ctx context.Context, tenantID, jobID string, w io.Writer) (*types.ExportJob, error)
}

// RestoreService manages restore requests and lists archive batches.
type RestoreService interface {
	Create(ctx context.Context, req restore.CreateRequest) (*types.RestoreRequest, error)
	Get(ctx context.Context, tenantID, id string) (*types.RestoreRequest, error)
	Approve(ctx context.Context, tenantID, id, approvedBy string) (*types.RestoreRequest, error)
	Cancel(ctx context.Context, tenantID, id string) (*types.RestoreRequest, error)
	ListArchiveBatches(ctx context.Context, f types.BatchFilter) ([]*types.ArchiveBatch, error)
}

// JobRunner runs background jobs on demand and reports their state.
type JobRunner interface {
	RunJob(ctx context.Context, name, regionName string) error
	Status() []scheduler.JobStatus
}

// Server holds the handlers of the HTTP API.
type Server struct {
	events   EventService
	exports  ExportService
	restores RestoreService
	jobs     JobRunner
	metrics  http.Handler
	regions  []string
	logger   *slog.Logger
}

// Config wires the services behind the API. Metrics and Jobs are optional.
type Config struct {
	Events   EventService
	Exports  ExportService
	Restores RestoreService
	Jobs     JobRunner
	Metrics  http.Handler
	Regions  []string
}

// NewServer creates the API server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	return &Server{
		events:   cfg.Events,
		exports:  cfg.Exports,
		restores: cfg.Restores,
		jobs:     cfg.Jobs,
		metrics:  cfg.Metrics,
		regions:  cfg.Regions,
		logger:   logger.With("component", "http"),
	}
}

// Handler returns the chi router serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/admin/jobs/{job}/run", s.handleRunJob)

		r.Group(func(r chi.Router) {
			r.Use(TenantMiddleware)

			r.Post("/events", s.handleAppend)
			r.Get("/events", s.handleQuery)
			r.Get("/chains/verify", s.handleVerifyChain)
			r.Post("/projects", s.handleRegisterProject)

			r.Post("/exports", s.handleStartExport)
			r.Get("/exports/{id}", s.handleGetExport)
			r.Get("/exports/{id}/stream", s.handleStreamExport)

			r.Post("/restores", s.handleCreateRestore)
			r.Get("/restores/{id}", s.handleGetRestore)
			r.Post("/restores/{id}/approve", s.handleApproveRestore)
			r.Post("/restores/{id}/cancel", s.handleCancelRestore)

			r.Get("/archive-batches", s.handleListBatches)
		})
	})
	return r
}
