// Package lifecycle holds the background jobs that move events from the hot store
// into archive batches and age those batches into the cold tier. Every job runs
// against one region at a time and is safe to re-run.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strata/strata/internal/metrics"
	"github.com/strata/strata/internal/region"
)

// Job names, as used by the scheduler and operator runs.
const (
	JobRetentionMarker = "retention-marker"
	JobArchivalPacker  = "archival-packer"
	JobArchiveVerifier = "archive-verifier"
	JobColdMarker      = "cold-marker"
)

var tracer = otel.Tracer("github.com/strata/strata/internal/lifecycle")

// Option configures a lifecycle job.
type Option func(*base)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithMetrics records job metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// base carries what every job needs besides its own collaborators.
type base struct {
	name    string
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func newBase(name string, logger *slog.Logger, opts []Option) base {
	b := base{
		name:   name,
		logger: logger.With("component", name),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Name returns the job name.
func (b *base) Name() string {
	return b.name
}

// start opens the job span for one region run.
func (b *base) start(ctx context.Context, reg *region.Region) (context.Context, trace.Span, time.Time) {
	ctx, span := tracer.Start(ctx, "lifecycle."+b.name,
		trace.WithAttributes(attribute.String("region", reg.Name)))
	return ctx, span, time.Now()
}

// finish records the run outcome on the span and in metrics.
func (b *base) finish(span trace.Span, reg *region.Region, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	b.metrics.ObserveJob(b.name, reg.Name, err, started)
}

// days returns n whole days as a duration.
func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
