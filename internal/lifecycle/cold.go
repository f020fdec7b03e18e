package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/pkg/types"
)

// ColdMarker flags archive batches older than the tenant's cold threshold as cold.
// It only changes metadata; moving objects between storage classes is left to the
// bucket's lifecycle rules.
type ColdMarker struct {
	base
	plans plan.Resolver
}

// NewColdMarker creates the cold-tier marker job.
func NewColdMarker(plans plan.Resolver, logger *slog.Logger, opts ...Option) *ColdMarker {
	return &ColdMarker{base: newBase(JobColdMarker, logger, opts), plans: plans}
}

// Run marks the batches of every tenant whose plan enables cold tiering. Batches
// inside an active restore window are left readable.
func (c *ColdMarker) Run(ctx context.Context, reg *region.Region) (err error) {
	ctx, span, started := c.start(ctx, reg)
	defer func() { c.finish(span, reg, started, err) }()

	tenants, err := reg.Store.BatchTenants(ctx)
	if err != nil {
		return fmt.Errorf("cold marker: list tenants: %w", err)
	}

	now := c.now().UTC()
	var errs []error
	var total int64
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := c.plans.EffectivePlan(tenant)
		if err != nil {
			c.logger.Error("failed to resolve plan", "region", reg.Name, "tenant", tenant, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		if p.ColdAfterDays == nil {
			continue
		}
		cutoff := types.TruncateDay(now).Add(-days(*p.ColdAfterDays))
		n, err := reg.Store.MarkColdBatches(ctx, tenant, cutoff, now)
		if err != nil {
			c.logger.Error("failed to mark cold batches", "region", reg.Name, "tenant", tenant, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		total += n
	}

	c.metrics.AddCold(total)
	c.logger.Info("cold marker finished", "region", reg.Name, "tenants", len(tenants), "marked", total)
	return errors.Join(errs...)
}
