// Package export streams a tenant's events out of the hot store and the archive
// tier, bounded by the tenant's plan.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strata/strata/internal/archive"
	"github.com/strata/strata/internal/bloom"
	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/metrics"
	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

// timestampLayout is RFC 3339 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var tracer = otel.Tracer("github.com/strata/strata/internal/export")

// errLimitReached stops a source once the job's row limit is hit.
var errLimitReached = errors.New("row limit reached")

// Config holds configuration for the export streamer.
type Config struct {
	// PageSize is the number of hot rows read per store query (default: 1000).
	PageSize int

	// ProgressEvery is how many rows pass between progress writes (default: 1000).
	ProgressEvery int64
}

// DefaultConfig returns the default streamer configuration.
func DefaultConfig() Config {
	return Config{PageSize: 1000, ProgressEvery: 1000}
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Streamer) { s.now = now }
}

// WithMetrics records export metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Streamer) { s.metrics = m }
}

// Streamer creates export jobs and streams them to a writer.
type Streamer struct {
	regions *region.Registry
	plans   plan.Resolver
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewStreamer creates a streamer.
func NewStreamer(regions *region.Registry, plans plan.Resolver, config Config, logger *slog.Logger, opts ...Option) *Streamer {
	defaults := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = defaults.ProgressEvery
	}
	s := &Streamer{
		regions: regions,
		plans:   plans,
		config:  config,
		logger:  logger.With("component", "export"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRequest describes an export. RowLimit is kept as text so limits beyond
// int64 clamp instead of failing to parse.
type StartRequest struct {
	Scope    types.ScopeKey
	Source   string
	Format   string
	Filters  types.ExportFilters
	RowLimit string
}

// Start validates the request against the tenant's plan and records a PENDING job.
func (s *Streamer) Start(ctx context.Context, req StartRequest) (*types.ExportJob, error) {
	if strings.TrimSpace(req.Scope.TenantID) == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}
	if strings.TrimSpace(req.Scope.WorkspaceID) == "" {
		return nil, strataerrors.NewValidationError("workspace id is required")
	}
	source, err := types.ParseExportSource(req.Source)
	if err != nil {
		return nil, strataerrors.NewValidationError(err.Error())
	}
	format, err := types.ParseExportFormat(req.Format)
	if err != nil {
		return nil, strataerrors.NewValidationError(err.Error())
	}
	f := req.Filters
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, strataerrors.NewValidationError("from must be before to")
	}

	p, err := s.plans.EffectivePlan(req.Scope.TenantID)
	if err != nil {
		return nil, err
	}
	limit, err := ClampLimit(req.RowLimit, p.MaxExportRows)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if source.ReadsArchived() {
		if err := s.checkArchiveRetention(p, f.From, now); err != nil {
			return nil, err
		}
	}

	reg := s.regions.ForTenant(req.Scope.TenantID)
	job := &types.ExportJob{
		ID:        uuid.NewString(),
		ScopeKey:  req.Scope,
		Source:    source,
		Format:    format,
		Filters:   f,
		RowLimit:  limit,
		Status:    types.ExportPending,
		Region:    reg.Name,
		CreatedAt: now,
	}
	if err := reg.Store.InsertExportJob(ctx, job); err != nil {
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to create export job", err)
	}
	s.logger.Info("export created",
		"tenant", job.TenantID,
		"export_id", job.ID,
		"source", job.Source,
		"format", job.Format,
		"row_limit", job.RowLimit,
	)
	return job, nil
}

// checkArchiveRetention refuses archived reads reaching past the plan's archive
// retention. An unbounded lower edge needs an unbounded plan.
func (s *Streamer) checkArchiveRetention(p plan.Plan, from *time.Time, now time.Time) error {
	if p.ArchiveRetentionDays == nil {
		return nil
	}
	within := func(candidate plan.Plan) bool {
		if candidate.ArchiveRetentionDays == nil {
			return true
		}
		if from == nil {
			return false
		}
		earliest := now.Add(-time.Duration(*candidate.ArchiveRetentionDays) * 24 * time.Hour)
		return !from.Before(earliest)
	}
	if within(p) {
		return nil
	}
	return strataerrors.NewPlanRestriction(
		fmt.Sprintf("plan %s keeps archives for %d days; narrow the from date", p.Name, *p.ArchiveRetentionDays),
		s.plans.MinimumPlanFor(within))
}

// Get returns a tenant's export job.
func (s *Streamer) Get(ctx context.Context, tenantID, id string) (*types.ExportJob, error) {
	reg := s.regions.ForTenant(tenantID)
	job, err := reg.Store.GetExportJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeExportNotFound, fmt.Sprintf("export %s not found", id))
	}
	return job, nil
}

// run is the state of one streaming job.
type run struct {
	job      *types.ExportJob
	reg      *region.Region
	filter   types.EventFilter
	enc      rowEncoder
	out      io.Writer
	begun    bool
	rows     int64
	reported int64
}

// emit writes one row, honouring the limit.
func (r *run) emit(e *types.Event) error {
	if r.rows >= r.job.RowLimit {
		return errLimitReached
	}
	if !r.begun {
		if err := r.enc.begin(); err != nil {
			return err
		}
		r.begun = true
	}
	if err := r.enc.row(e); err != nil {
		return err
	}
	r.rows++
	return nil
}

func (r *run) flush() {
	if f, ok := r.out.(http.Flusher); ok {
		f.Flush()
	}
}

// Stream runs a PENDING job to completion, writing rows to w. The job ends
// SUCCEEDED, FAILED or, when ctx is cancelled, CANCELED. Cold batches without a
// restore window abort an export that needs the archive before any byte is
// written.
func (s *Streamer) Stream(ctx context.Context, tenantID, jobID string, w io.Writer) (*types.ExportJob, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status.Terminal():
		return nil, strataerrors.NewInvalidStateError(fmt.Sprintf("export %s already finished as %s", job.ID, job.Status))
	case job.Status != types.ExportPending:
		return nil, strataerrors.NewInvalidStateError(fmt.Sprintf("export %s is %s", job.ID, job.Status))
	}
	reg := s.regions.ForTenant(tenantID)

	ctx, span := tracer.Start(ctx, "export.stream", trace.WithAttributes(
		attribute.String("region", reg.Name),
		attribute.String("export_id", job.ID),
		attribute.String("source", string(job.Source)),
	))
	defer span.End()

	started := s.now().UTC()
	running := *job
	running.Status = types.ExportRunning
	running.StartedAt = &started
	ok, err := reg.Store.UpdateExportJob(ctx, &running, types.ExportPending)
	if err != nil {
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to start export", err)
	}
	if !ok {
		return nil, strataerrors.NewInvalidStateError(fmt.Sprintf("export %s was started concurrently", job.ID))
	}
	job = &running

	r := &run{
		job:    job,
		reg:    reg,
		filter: job.EventFilter(),
		enc:    newEncoder(job.Format, w),
		out:    w,
	}

	// A combined export whose hot rows alone fill the limit never reads the
	// archive, so only its hot count is checked.
	var batches []*types.ArchiveBatch
	if job.Source.ReadsArchived() {
		needed := true
		if job.Source.ReadsHot() {
			hot, err := reg.Store.CountHotEvents(ctx, r.filter, job.RowLimit)
			if err != nil {
				return s.finish(ctx, span, r, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to count hot events", err))
			}
			needed = hot < job.RowLimit
		}
		if needed {
			if batches, err = s.readableBatches(ctx, r); err != nil {
				return s.finish(ctx, span, r, err)
			}
		}
	}

	var failures []error
	if job.Source.ReadsHot() {
		err := s.streamHot(ctx, r)
		if err != nil && !errors.Is(err, errLimitReached) {
			if ctx.Err() != nil || job.Source == types.SourceHot {
				return s.finish(ctx, span, r, err)
			}
			s.logger.Error("hot source failed", "export_id", job.ID, "error", err)
			failures = append(failures, fmt.Errorf("hot: %w", err))
		}
	}
	if job.Source.ReadsArchived() && r.rows < job.RowLimit {
		err := s.archivedSource(ctx, r, batches)
		if err != nil && !errors.Is(err, errLimitReached) {
			if ctx.Err() != nil || job.Source == types.SourceArchived {
				return s.finish(ctx, span, r, err)
			}
			s.logger.Error("archived source failed", "export_id", job.ID, "error", err)
			failures = append(failures, fmt.Errorf("archived: %w", err))
		}
	}

	if len(failures) > 0 {
		return s.finish(ctx, span, r, errors.Join(failures...))
	}
	if !r.begun {
		if err := r.enc.begin(); err != nil {
			return s.finish(ctx, span, r, err)
		}
	}
	if err := r.enc.end(); err != nil {
		return s.finish(ctx, span, r, err)
	}
	r.flush()
	return s.finish(ctx, span, r, nil)
}

// archivedSource streams the archive tier, listing its batches first unless the
// caller already did.
func (s *Streamer) archivedSource(ctx context.Context, r *run, batches []*types.ArchiveBatch) error {
	if batches == nil {
		var err error
		if batches, err = s.readableBatches(ctx, r); err != nil {
			return err
		}
	}
	return s.streamArchived(ctx, r, batches)
}

// readableBatches lists the batches an archived read will open, skipping those
// whose actor filter rules out the requested actor. Any remaining cold batch
// fails the export with the ids that need a restore.
func (s *Streamer) readableBatches(ctx context.Context, r *run) ([]*types.ArchiveBatch, error) {
	all, err := r.reg.Store.ListBatches(ctx, types.BatchFilter{
		TenantID:    r.job.TenantID,
		WorkspaceID: r.job.WorkspaceID,
		From:        r.filter.From,
		To:          r.filter.To,
	})
	if err != nil {
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to list archive batches", err)
	}

	batches := make([]*types.ArchiveBatch, 0, len(all))
	var blocked []string
	for _, b := range all {
		if r.filter.ActorID != "" && !mayContainActor(b, r.filter.ActorID) {
			continue
		}
		if !b.Readable() {
			blocked = append(blocked, b.ID)
			continue
		}
		batches = append(batches, b)
	}
	if len(blocked) > 0 {
		return nil, strataerrors.NewRestoreRequired(blocked)
	}
	return batches, nil
}

// mayContainActor consults the batch's actor filter. A missing or unreadable
// filter never prunes.
func mayContainActor(b *types.ArchiveBatch, actorID string) bool {
	if len(b.ActorBloom) == 0 {
		return true
	}
	f, err := bloom.Unmarshal(b.ActorBloom)
	if err != nil {
		return true
	}
	return f.MayContain(actorID)
}

// streamHot drains matching hot rows in ascending (timestamp, id) order.
func (s *Streamer) streamHot(ctx context.Context, r *run) error {
	start := r.rows
	defer func() { s.metrics.AddExportRows("hot", r.rows-start) }()

	var after *store.Position
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageSize := int(min(int64(s.config.PageSize), r.job.RowLimit-r.rows))
		if pageSize <= 0 {
			return errLimitReached
		}
		events, err := r.reg.Store.QueryHotEvents(ctx, r.filter, after, store.Ascending, pageSize)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := r.emit(e); err != nil {
				return err
			}
			s.progress(ctx, r)
		}
		r.flush()
		if len(events) < pageSize {
			return nil
		}
		pos := store.PositionOf(events[len(events)-1])
		after = &pos
	}
}

// streamArchived emits the matching archived rows day by day. Batches are listed
// in (day, part) order.
func (s *Streamer) streamArchived(ctx context.Context, r *run, batches []*types.ArchiveBatch) error {
	start := r.rows
	defer func() { s.metrics.AddExportRows("archived", r.rows-start) }()

	for len(batches) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := 1
		for n < len(batches) && batches[n].Day.Equal(batches[0].Day) {
			n++
		}
		if err := s.streamDay(ctx, r, batches[:n]); err != nil {
			return err
		}
		r.flush()
		batches = batches[n:]
	}
	return nil
}

// streamDay merges the parts of one day by (timestamp, id). Late events land in
// a later part, so parts overlap in time, but each part is sorted.
func (s *Streamer) streamDay(ctx context.Context, r *run, parts []*types.ArchiveBatch) error {
	cursors := make([]*partCursor, 0, len(parts))
	defer func() {
		for _, c := range cursors {
			c.close()
		}
	}()
	for _, b := range parts {
		c, err := openPart(ctx, r.reg, b)
		if err != nil {
			return err
		}
		cursors = append(cursors, c)
	}

	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		var next *partCursor
		for _, c := range cursors {
			if c.head != nil && (next == nil || before(c.head, next.head)) {
				next = c
			}
		}
		if next == nil {
			return nil
		}
		e := next.head
		if err := next.advance(); err != nil {
			return err
		}
		if !r.filter.Matches(e) {
			continue
		}
		if err := r.emit(e); err != nil {
			return err
		}
		s.progress(ctx, r)
	}
}

func before(a, b *types.Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// partCursor holds the next unread event of one archive object.
type partCursor struct {
	key     string
	region  string
	body    io.ReadCloser
	records *archive.RecordReader
	head    *types.Event
}

func openPart(ctx context.Context, reg *region.Region, b *types.ArchiveBatch) (*partCursor, error) {
	codec, err := archive.CodecFor(b.Codec)
	if err != nil {
		return nil, err
	}
	body, err := reg.Objects.GetStream(ctx, b.StorageKey)
	if err != nil {
		return nil, strataerrors.NewStorageError(strataerrors.CodeDownloadFailed, "failed to download "+b.StorageKey, err)
	}
	records, err := archive.NewRecordReader(body, codec)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("%s: %w", b.StorageKey, err)
	}
	c := &partCursor{key: b.StorageKey, region: reg.Name, body: body, records: records}
	if err := c.advance(); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// advance loads the next event; head is nil once the object is exhausted.
func (c *partCursor) advance() error {
	rec, err := c.records.Next()
	if err == io.EOF {
		c.head = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.key, err)
	}
	c.head, err = rec.Event(c.region)
	return err
}

func (c *partCursor) close() {
	c.records.Close()
	c.body.Close()
}

// progress persists the row count every ProgressEvery rows.
func (s *Streamer) progress(ctx context.Context, r *run) {
	if r.rows-r.reported < s.config.ProgressEvery {
		return
	}
	r.reported = r.rows
	if err := r.reg.Store.UpdateExportProgress(ctx, r.job.ID, r.rows); err != nil {
		s.logger.Warn("failed to record export progress", "export_id", r.job.ID, "error", err)
	}
}

// finish records the terminal status. Bookkeeping outlives a cancelled request
// context.
func (s *Streamer) finish(ctx context.Context, span trace.Span, r *run, streamErr error) (*types.ExportJob, error) {
	done := *r.job
	now := s.now().UTC()
	done.FinishedAt = &now
	done.RowsExported = r.rows

	switch {
	case streamErr == nil:
		done.Status = types.ExportSucceeded
	case ctx.Err() != nil:
		done.Status = types.ExportCanceled
		done.Error = "client disconnected"
	default:
		done.Status = types.ExportFailed
		done.Error = streamErr.Error()
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
	}

	bg := context.WithoutCancel(ctx)
	if _, err := r.reg.Store.UpdateExportJob(bg, &done, types.ExportRunning); err != nil {
		s.logger.Error("failed to record export result", "export_id", done.ID, "error", err)
	}
	s.metrics.IncExportFinished(string(done.Status))
	s.logger.Info("export finished",
		"tenant", done.TenantID,
		"export_id", done.ID,
		"status", done.Status,
		"rows", done.RowsExported,
	)

	if streamErr == nil {
		return &done, nil
	}
	if done.Status == types.ExportCanceled {
		return &done, streamErr
	}
	if _, ok := strataerrors.As(streamErr); ok {
		return &done, streamErr
	}
	return &done, strataerrors.NewStreamError("export failed", streamErr)
}
