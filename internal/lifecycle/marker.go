package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
)

// RetentionMarker flags hot events older than the tenant's hot retention as
// archival candidates.
type RetentionMarker struct {
	base
	plans plan.Resolver
}

// NewRetentionMarker creates the marker job.
func NewRetentionMarker(plans plan.Resolver, logger *slog.Logger, opts ...Option) *RetentionMarker {
	return &RetentionMarker{base: newBase(JobRetentionMarker, logger, opts), plans: plans}
}

// Run marks every tenant of the region. A tenant that fails is logged and skipped;
// the joined tenant errors are returned once all tenants were tried.
func (m *RetentionMarker) Run(ctx context.Context, reg *region.Region) (err error) {
	ctx, span, started := m.start(ctx, reg)
	defer func() { m.finish(span, reg, started, err) }()

	tenants, err := reg.Store.EventTenants(ctx)
	if err != nil {
		return fmt.Errorf("retention marker: list tenants: %w", err)
	}

	now := m.now().UTC()
	var errs []error
	var total int64
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := m.markTenant(ctx, reg, tenant, now)
		if err != nil {
			m.logger.Error("failed to mark tenant", "region", reg.Name, "tenant", tenant, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		total += n
	}

	m.logger.Info("retention marker finished", "region", reg.Name, "tenants", len(tenants), "marked", total)
	return errors.Join(errs...)
}

func (m *RetentionMarker) markTenant(ctx context.Context, reg *region.Region, tenant string, now time.Time) (int64, error) {
	p, err := m.plans.EffectivePlan(tenant)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-days(p.HotRetentionDays))
	n, err := reg.Store.MarkArchivalCandidates(ctx, tenant, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.metrics.AddMarked(n)
		m.logger.Debug("marked archival candidates", "region", reg.Name, "tenant", tenant, "count", n, "cutoff", cutoff)
	}
	return n, nil
}
