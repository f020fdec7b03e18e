// Package restore drives the restoration of cold archive batches: request
// creation and approval, initiation against the object store, completion polling
// and expiry of restore windows.
package restore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/metrics"
	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

// Job names, as used by the scheduler and operator runs.
const (
	JobInitiator = "restore-initiator"
	JobPoller    = "restore-poller"
	JobExpiry    = "restore-expiry"
)

// DefaultRestoreDays is the window length used when a request names none.
const DefaultRestoreDays = 7

// Config holds configuration for the restore coordinator.
type Config struct {
	// StaleInitiating is how long a request may sit in INITIATING before the
	// initiator assumes the run that claimed it died (default: 30m).
	StaleInitiating time.Duration

	// PageSize bounds the requests handled per status per tick (default: 500).
	PageSize int
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		StaleInitiating: 30 * time.Minute,
		PageSize:        500,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics records restore transitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the restore request state machine. Every transition is a
// compare-and-set on the request's current status.
type Coordinator struct {
	regions *region.Registry
	plans   plan.Resolver
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(regions *region.Registry, plans plan.Resolver, config Config, logger *slog.Logger, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if config.StaleInitiating <= 0 {
		config.StaleInitiating = defaults.StaleInitiating
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	c := &Coordinator{
		regions: regions,
		plans:   plans,
		config:  config,
		logger:  logger.With("component", "restore"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest asks for one batch to be restored.
type CreateRequest struct {
	TenantID    string
	BatchID     string
	Tier        types.RestoreTier
	Days        int
	RequestedBy string
}

// Create validates a restore against the tenant's plan and records it as PENDING.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*types.RestoreRequest, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}
	if strings.TrimSpace(req.BatchID) == "" {
		return nil, strataerrors.NewValidationError("batch id is required")
	}
	tier, err := types.ParseRestoreTier(string(req.Tier))
	if err != nil {
		return nil, strataerrors.NewValidationError(err.Error())
	}

	p, err := c.plans.EffectivePlan(req.TenantID)
	if err != nil {
		return nil, err
	}
	if !p.AllowsTier(tier) {
		minimum := c.plans.MinimumPlanFor(func(candidate plan.Plan) bool { return candidate.AllowsTier(tier) })
		return nil, strataerrors.NewPlanRestriction(
			fmt.Sprintf("plan %s does not allow %s restores", p.Name, tier), minimum)
	}

	reg := c.regions.ForTenant(req.TenantID)
	batch, err := reg.Store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.TenantID != req.TenantID {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeBatchNotFound,
			fmt.Sprintf("archive batch %s not found", req.BatchID))
	}
	if !batch.IsCold {
		return nil, strataerrors.NewValidationError(fmt.Sprintf("archive batch %s is not cold", batch.ID))
	}

	days := req.Days
	if days == 0 {
		days = min(DefaultRestoreDays, p.MaxRestoreDays)
	}
	if days < 1 || days > p.MaxRestoreDays {
		return nil, strataerrors.NewValidationError(
			fmt.Sprintf("days must be between 1 and %d, got %d", p.MaxRestoreDays, days))
	}

	now := c.now().UTC()
	est := EstimateRestore(tier, batch.SizeBytes)
	r := &types.RestoreRequest{
		ID:                   uuid.NewString(),
		BatchID:              batch.ID,
		TenantID:             req.TenantID,
		Tier:                 tier,
		Days:                 days,
		Status:               types.RestorePending,
		EstimatedCostUSD:     est.CostUSD,
		EstimatedDuration:    est.Duration,
		EstimatedCompletedAt: now.Add(est.Duration),
		RequestedBy:          req.RequestedBy,
		RequestedAt:          now,
	}
	if err := reg.Store.CreateRestoreRequest(ctx, r); err != nil {
		return nil, err
	}
	c.metrics.IncRestoreTransition(string(types.RestorePending))
	c.logger.Info("restore requested",
		"tenant", r.TenantID,
		"restore_id", r.ID,
		"batch_id", r.BatchID,
		"tier", r.Tier,
		"days", r.Days,
	)
	return r, nil
}

// Get returns a tenant's restore request.
func (c *Coordinator) Get(ctx context.Context, tenantID, id string) (*types.RestoreRequest, error) {
	reg := c.regions.ForTenant(tenantID)
	r, err := reg.Store.GetRestoreRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.TenantID != tenantID {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeRestoreNotFound,
			fmt.Sprintf("restore request %s not found", id))
	}
	return r, nil
}

// ListArchiveBatches returns a tenant's archive batches with their cold and
// restore state, so clients can tell which ones need a restore before export.
func (c *Coordinator) ListArchiveBatches(ctx context.Context, f types.BatchFilter) ([]*types.ArchiveBatch, error) {
	if strings.TrimSpace(f.TenantID) == "" {
		return nil, strataerrors.NewValidationError("tenant id is required")
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, strataerrors.NewValidationError("from must be before to")
	}
	batches, err := c.regions.ForTenant(f.TenantID).Store.ListBatches(ctx, f)
	if err != nil {
		if _, ok := strataerrors.As(err); ok {
			return nil, err
		}
		return nil, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed, "failed to list archive batches", err)
	}
	if batches == nil {
		batches = []*types.ArchiveBatch{}
	}
	return batches, nil
}

// Approve moves a PENDING request to APPROVED. The initiator picks it up.
func (c *Coordinator) Approve(ctx context.Context, tenantID, id, approvedBy string) (*types.RestoreRequest, error) {
	r, err := c.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	return c.decide(ctx, c.regions.ForTenant(tenantID), r, types.RestoreApproved, func(next *types.RestoreRequest) {
		next.ApprovedBy = approvedBy
		next.ApprovedAt = &now
	})
}

// Cancel moves a PENDING request to CANCELLED. Nothing has reached the object
// store yet, so there is nothing to undo.
func (c *Coordinator) Cancel(ctx context.Context, tenantID, id string) (*types.RestoreRequest, error) {
	r, err := c.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	return c.decide(ctx, c.regions.ForTenant(tenantID), r, types.RestoreCancelled, func(next *types.RestoreRequest) {
		next.CancelledAt = &now
	})
}

// decide applies a client decision, which is only legal while the request is PENDING.
func (c *Coordinator) decide(ctx context.Context, reg *region.Region, r *types.RestoreRequest, to types.RestoreStatus, mutate func(*types.RestoreRequest)) (*types.RestoreRequest, error) {
	if r.Status != types.RestorePending {
		return nil, strataerrors.NewInvalidStateError(
			fmt.Sprintf("restore request %s is %s, not %s", r.ID, r.Status, types.RestorePending))
	}
	next, ok, err := c.transition(ctx, reg.Store, r, to, mutate, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, strataerrors.NewInvalidStateError(
			fmt.Sprintf("restore request %s changed state concurrently", r.ID))
	}
	c.logger.Info("restore "+strings.ToLower(string(to)), "tenant", r.TenantID, "restore_id", r.ID)
	return next, nil
}

// transition writes r with status to if it is still in its current status.
func (c *Coordinator) transition(ctx context.Context, st *store.Store, r *types.RestoreRequest, to types.RestoreStatus, mutate func(*types.RestoreRequest), batch *store.BatchRestoreState) (*types.RestoreRequest, bool, error) {
	if !types.CanTransition(r.Status, to) {
		return nil, false, strataerrors.NewInvalidStateError(
			fmt.Sprintf("restore request %s cannot move from %s to %s", r.ID, r.Status, to))
	}
	next := *r
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	ok, err := st.UpdateRestore(ctx, &next, r.Status, batch)
	if err != nil {
		return nil, false, strataerrors.Wrap(strataerrors.ErrCategoryStorage, strataerrors.CodeStoreFailed,
			"failed to update restore request", err)
	}
	if ok {
		c.metrics.IncRestoreTransition(string(to))
	}
	return &next, ok, nil
}

// fail moves r to FAILED with reason.
func (c *Coordinator) fail(ctx context.Context, st *store.Store, r *types.RestoreRequest, reason string) error {
	now := c.now().UTC()
	_, ok, err := c.transition(ctx, st, r, types.RestoreFailed, func(next *types.RestoreRequest) {
		next.FailedAt = &now
		next.Error = reason
	}, nil)
	if err != nil {
		return err
	}
	if ok {
		c.logger.Warn("restore failed", "tenant", r.TenantID, "restore_id", r.ID, "batch_id", r.BatchID, "reason", reason)
	}
	return nil
}

// InitiateTick fails INITIATING requests abandoned by a crashed run, then starts
// the object-store restore of every APPROVED request. A failed initiation is final.
func (c *Coordinator) InitiateTick(ctx context.Context, reg *region.Region) error {
	now := c.now().UTC()

	stuck, err := reg.Store.ListRestoresByStatus(ctx, types.RestoreInitiating, c.config.PageSize)
	if err != nil {
		return err
	}
	for _, r := range stuck {
		if r.InitiatedAt != nil && now.Sub(*r.InitiatedAt) < c.config.StaleInitiating {
			continue
		}
		if err := c.fail(ctx, reg.Store, r, "initiation did not finish"); err != nil {
			return err
		}
	}

	approved, err := reg.Store.ListRestoresByStatus(ctx, types.RestoreApproved, c.config.PageSize)
	if err != nil {
		return err
	}
	for _, r := range approved {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.initiate(ctx, reg, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) initiate(ctx context.Context, reg *region.Region, r *types.RestoreRequest) error {
	now := c.now().UTC()
	claimed, ok, err := c.transition(ctx, reg.Store, r, types.RestoreInitiating, func(next *types.RestoreRequest) {
		next.InitiatedAt = &now
	}, nil)
	if err != nil || !ok {
		return err
	}

	batch, err := reg.Store.GetBatch(ctx, r.BatchID)
	if err != nil {
		return c.fail(ctx, reg.Store, claimed, err.Error())
	}
	handle, err := reg.Objects.InitiateRestore(ctx, batch.StorageKey, r.Tier, r.Days)
	if err != nil {
		return c.fail(ctx, reg.Store, claimed, err.Error())
	}

	_, ok, err = c.transition(ctx, reg.Store, claimed, types.RestoreInProgress, func(next *types.RestoreRequest) {
		next.TrackingHandle = handle
	}, nil)
	if err != nil {
		return err
	}
	if ok {
		c.logger.Info("restore initiated",
			"region", reg.Name, "tenant", r.TenantID, "restore_id", r.ID, "batch_id", r.BatchID, "handle", handle)
	}
	return nil
}

// PollTick checks every IN_PROGRESS request. A finished restore opens the batch's
// read window; a restore the store no longer knows about fails; a pending one is
// left alone. Poll errors are logged and retried on the next tick.
func (c *Coordinator) PollTick(ctx context.Context, reg *region.Region) error {
	inProgress, err := reg.Store.ListRestoresByStatus(ctx, types.RestoreInProgress, c.config.PageSize)
	if err != nil {
		return err
	}
	for _, r := range inProgress {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := reg.Store.GetBatch(ctx, r.BatchID)
		if err != nil {
			if err := c.fail(ctx, reg.Store, r, err.Error()); err != nil {
				return err
			}
			continue
		}
		status, err := reg.Objects.PollRestore(ctx, batch.StorageKey, r.TrackingHandle)
		if err != nil {
			c.logger.Warn("restore poll failed", "region", reg.Name, "restore_id", r.ID, "error", err)
			continue
		}

		switch status.State {
		case storage.RestorePending:
		case storage.RestoreAbsent:
			if err := c.fail(ctx, reg.Store, r, "object store reports no restore for "+batch.StorageKey); err != nil {
				return err
			}
		case storage.RestoreDone:
			if err := c.complete(ctx, reg, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) complete(ctx context.Context, reg *region.Region, r *types.RestoreRequest) error {
	now := c.now().UTC()
	expires := now.Add(time.Duration(r.Days) * 24 * time.Hour)
	_, ok, err := c.transition(ctx, reg.Store, r, types.RestoreCompleted, func(next *types.RestoreRequest) {
		next.CompletedAt = &now
		next.ExpiresAt = &expires
	}, &store.BatchRestoreState{IsCold: false, RestoredUntil: &expires})
	if err != nil {
		return err
	}
	if ok {
		c.logger.Info("restore completed",
			"region", reg.Name, "tenant", r.TenantID, "restore_id", r.ID, "batch_id", r.BatchID, "expires_at", expires)
	}
	return nil
}

// ExpireSweep closes every restore window that has ended and returns its batch to
// the cold tier.
func (c *Coordinator) ExpireSweep(ctx context.Context, reg *region.Region) error {
	for {
		expired, err := reg.Store.ListExpiredRestores(ctx, c.now().UTC(), c.config.PageSize)
		if err != nil {
			return err
		}
		var moved int
		for _, r := range expired {
			_, ok, err := c.transition(ctx, reg.Store, r, types.RestoreExpired, nil,
				&store.BatchRestoreState{IsCold: true})
			if err != nil {
				return err
			}
			if ok {
				moved++
				c.logger.Info("restore window expired",
					"region", reg.Name, "tenant", r.TenantID, "restore_id", r.ID, "batch_id", r.BatchID)
			}
		}
		if len(expired) < c.config.PageSize || moved == 0 {
			return nil
		}
	}
}
