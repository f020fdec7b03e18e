package restore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/plan"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type CoordinatorSuite struct {
	suite.Suite

	ctx     context.Context
	now     time.Time
	reg     *region.Region
	objects *storage.LocalStorage
	c       *Coordinator
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	dir := s.T().TempDir()

	st, err := store.Open(filepath.Join(dir, "region.db"), "eu-west-1")
	s.Require().NoError(err)
	s.T().Cleanup(func() { st.Close() })
	s.objects, err = storage.NewLocalStorage(filepath.Join(dir, "objects"))
	s.Require().NoError(err)
	s.objects.SetClock(s.clock)
	s.objects.SetRestoreDelay(3 * time.Hour)

	s.reg = &region.Region{Name: "eu-west-1", Store: st, Objects: s.objects}
	regions, err := region.NewRegistry(s.reg)
	s.Require().NoError(err)

	plans, err := plan.NewStaticResolver([]plan.Plan{
		{
			Name:                "starter",
			HotRetentionDays:    7,
			MaxExportRows:       1000,
			AllowedRestoreTiers: []types.RestoreTier{types.TierBulk},
			MaxRestoreDays:      3,
		},
		{
			Name:                "business",
			HotRetentionDays:    30,
			MaxExportRows:       100000,
			AllowedRestoreTiers: []types.RestoreTier{types.TierBulk, types.TierStandard, types.TierExpedited},
			MaxRestoreDays:      14,
		},
	}, map[string]plan.TenantPlan{"smallco": {Plan: "starter"}}, "business")
	s.Require().NoError(err)

	s.c = NewCoordinator(regions, plans, Config{StaleInitiating: 10 * time.Minute}, discard, WithClock(s.clock))
}

func (s *CoordinatorSuite) clock() time.Time { return s.now }

// coldBatch stores an archived object and its cold batch row.
func (s *CoordinatorSuite) coldBatch(tenant, id string) *types.ArchiveBatch {
	key := "archives/" + tenant + "/2025/01/01/events-" + id + ".jsonl.gz"
	s.Require().NoError(s.objects.Put(s.ctx, key, bytes.NewReader([]byte("compressed"))))
	s.Require().NoError(s.objects.Archive(key))

	b := &types.ArchiveBatch{
		ID:           id,
		TenantID:     tenant,
		Day:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		StorageKey:   key,
		Codec:        "gzip",
		SizeBytes:    2 << 30,
		SHA256:       "digest",
		RowCount:     10,
		MinEventTime: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC),
		MaxEventTime: time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC),
		IsCold:       true,
		CreatedAt:    s.now,
	}
	inserted, err := s.reg.Store.FinalizeBatch(s.ctx, b, nil, s.now)
	s.Require().NoError(err)
	s.Require().True(inserted)
	return b
}

func (s *CoordinatorSuite) status(id string) types.RestoreStatus {
	r, err := s.reg.Store.GetRestoreRequest(s.ctx, id)
	s.Require().NoError(err)
	return r.Status
}

func (s *CoordinatorSuite) TestStandardRestoreLifecycle() {
	batch := s.coldBatch("acme", "batch-1")

	r, err := s.c.Create(s.ctx, CreateRequest{
		TenantID: "acme", BatchID: batch.ID, Tier: types.TierStandard, Days: 7, RequestedBy: "alice",
	})
	s.Require().NoError(err)
	s.Equal(types.RestorePending, r.Status)
	s.InDelta(0.02005, r.EstimatedCostUSD, 1e-9)
	s.Equal(5*time.Hour, r.EstimatedDuration)
	s.True(r.EstimatedCompletedAt.Equal(s.now.Add(5 * time.Hour)))

	r, err = s.c.Approve(s.ctx, "acme", r.ID, "bob")
	s.Require().NoError(err)
	s.Equal(types.RestoreApproved, r.Status)
	s.Equal("bob", r.ApprovedBy)

	s.Require().NoError(s.c.Initiator().Run(s.ctx, s.reg))
	r, err = s.c.Get(s.ctx, "acme", r.ID)
	s.Require().NoError(err)
	s.Equal(types.RestoreInProgress, r.Status)
	s.NotEmpty(r.TrackingHandle)
	s.Require().NotNil(r.InitiatedAt)

	// Still running at the object store.
	s.Require().NoError(s.c.Poller().Run(s.ctx, s.reg))
	s.Equal(types.RestoreInProgress, s.status(r.ID))

	s.now = s.now.Add(3 * time.Hour)
	s.Require().NoError(s.c.Poller().Run(s.ctx, s.reg))
	r, err = s.c.Get(s.ctx, "acme", r.ID)
	s.Require().NoError(err)
	s.Equal(types.RestoreCompleted, r.Status)
	s.Require().NotNil(r.CompletedAt)
	s.Require().NotNil(r.ExpiresAt)
	s.True(r.ExpiresAt.Equal(r.CompletedAt.Add(7 * 24 * time.Hour)))

	got, err := s.reg.Store.GetBatch(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.False(got.IsCold)
	s.Require().NotNil(got.RestoredUntil)
	s.True(got.RestoredUntil.Equal(*r.ExpiresAt))

	rc, err := s.objects.GetStream(s.ctx, batch.StorageKey)
	s.Require().NoError(err)
	rc.Close()

	// Window still open: the sweep leaves it alone.
	s.now = s.now.Add(6 * 24 * time.Hour)
	s.Require().NoError(s.c.Expirer().Run(s.ctx, s.reg))
	s.Equal(types.RestoreCompleted, s.status(r.ID))

	s.now = s.now.Add(2 * 24 * time.Hour)
	s.Require().NoError(s.c.Expirer().Run(s.ctx, s.reg))
	s.Equal(types.RestoreExpired, s.status(r.ID))
	got, err = s.reg.Store.GetBatch(s.ctx, batch.ID)
	s.Require().NoError(err)
	s.True(got.IsCold)
	s.Nil(got.RestoredUntil)

	// A second sweep is a no-op, and the batch can be restored again.
	s.Require().NoError(s.c.Expirer().Run(s.ctx, s.reg))
	s.Equal(types.RestoreExpired, s.status(r.ID))
	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierBulk})
	s.NoError(err)
}

func (s *CoordinatorSuite) TestCreateValidation() {
	cold := s.coldBatch("acme", "batch-cold")
	small := s.coldBatch("smallco", "batch-small")

	_, err := s.c.Create(s.ctx, CreateRequest{TenantID: "smallco", BatchID: small.ID, Tier: types.TierExpedited, Days: 1})
	s.Equal(strataerrors.ErrCategoryPlan, strataerrors.GetCategory(err))
	s.Equal("business", strataerrors.MinimumPlan(err))

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "smallco", BatchID: small.ID, Tier: types.TierBulk, Days: 4})
	s.Equal(strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err), "days above plan maximum")

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: "missing", Tier: types.TierStandard})
	s.Equal(strataerrors.CodeBatchNotFound, strataerrors.GetCode(err))

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: small.ID, Tier: types.TierStandard})
	s.Equal(strataerrors.CodeBatchNotFound, strataerrors.GetCode(err), "another tenant's batch is invisible")

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: cold.ID, Tier: "GLACIAL"})
	s.Equal(strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))

	r, err := s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: cold.ID, Tier: types.TierStandard})
	s.Require().NoError(err)
	s.Equal(DefaultRestoreDays, r.Days)

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: cold.ID, Tier: types.TierBulk})
	s.Equal(strataerrors.ErrCategoryConflict, strataerrors.GetCategory(err))
}

func (s *CoordinatorSuite) TestCreateRejectsWarmBatch() {
	b := s.coldBatch("acme", "batch-cold")

	warm := *b
	warm.ID = "batch-warm"
	warm.StorageKey += ".2"
	warm.IsCold = false
	_, err := s.reg.Store.FinalizeBatch(s.ctx, &warm, nil, s.now)
	s.Require().NoError(err)

	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: warm.ID, Tier: types.TierStandard})
	s.Equal(strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))
}

func (s *CoordinatorSuite) TestCancelOnlyWhilePending() {
	batch := s.coldBatch("acme", "batch-1")
	r, err := s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierStandard})
	s.Require().NoError(err)

	r, err = s.c.Cancel(s.ctx, "acme", r.ID)
	s.Require().NoError(err)
	s.Equal(types.RestoreCancelled, r.Status)
	s.NotNil(r.CancelledAt)

	_, err = s.c.Approve(s.ctx, "acme", r.ID, "bob")
	s.Equal(strataerrors.CodeInvalidState, strataerrors.GetCode(err))
	_, err = s.c.Cancel(s.ctx, "acme", r.ID)
	s.Equal(strataerrors.CodeInvalidState, strataerrors.GetCode(err))

	_, err = s.c.Get(s.ctx, "globex", r.ID)
	s.Equal(strataerrors.CodeRestoreNotFound, strataerrors.GetCode(err))

	// Cancelled requests free the batch.
	_, err = s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierStandard})
	s.NoError(err)
}

func (s *CoordinatorSuite) TestInitiationFailureIsFinal() {
	batch := s.coldBatch("acme", "batch-1")
	r, err := s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierStandard})
	s.Require().NoError(err)
	_, err = s.c.Approve(s.ctx, "acme", r.ID, "bob")
	s.Require().NoError(err)

	s.Require().NoError(s.objects.Delete(s.ctx, batch.StorageKey))
	s.Require().NoError(s.c.Initiator().Run(s.ctx, s.reg))

	r, err = s.c.Get(s.ctx, "acme", r.ID)
	s.Require().NoError(err)
	s.Equal(types.RestoreFailed, r.Status)
	s.NotEmpty(r.Error)
	s.NotNil(r.FailedAt)

	s.Require().NoError(s.c.Initiator().Run(s.ctx, s.reg))
	s.Equal(types.RestoreFailed, s.status(r.ID))
}

func (s *CoordinatorSuite) TestStaleInitiatingFails() {
	batch := s.coldBatch("acme", "batch-1")
	r, err := s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierStandard})
	s.Require().NoError(err)
	r, err = s.c.Approve(s.ctx, "acme", r.ID, "bob")
	s.Require().NoError(err)

	// Simulate a run that claimed the request and died.
	claimed := *r
	claimed.Status = types.RestoreInitiating
	at := s.now.Add(-time.Minute)
	claimed.InitiatedAt = &at
	ok, err := s.reg.Store.UpdateRestore(s.ctx, &claimed, types.RestoreApproved, nil)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(s.c.InitiateTick(s.ctx, s.reg))
	s.Equal(types.RestoreInitiating, s.status(r.ID), "not stale yet")

	s.now = s.now.Add(15 * time.Minute)
	s.Require().NoError(s.c.InitiateTick(s.ctx, s.reg))
	s.Equal(types.RestoreFailed, s.status(r.ID))
}

func (s *CoordinatorSuite) TestPollAbsentRestoreFails() {
	batch := s.coldBatch("acme", "batch-1")
	r, err := s.c.Create(s.ctx, CreateRequest{TenantID: "acme", BatchID: batch.ID, Tier: types.TierBulk})
	s.Require().NoError(err)
	_, err = s.c.Approve(s.ctx, "acme", r.ID, "bob")
	s.Require().NoError(err)
	s.Require().NoError(s.c.InitiateTick(s.ctx, s.reg))
	s.Require().Equal(types.RestoreInProgress, s.status(r.ID))

	// Re-archiving the object drops the store's restore state.
	s.Require().NoError(s.objects.Archive(batch.StorageKey))
	s.Require().NoError(s.c.PollTick(s.ctx, s.reg))
	s.Equal(types.RestoreFailed, s.status(r.ID))
}

func TestEstimateRestore(t *testing.T) {
	est := EstimateRestore(types.TierExpedited, 1<<30)
	if est.CostUSD != 0.04 {
		t.Errorf("expedited 1 GiB: got %v, want 0.04", est.CostUSD)
	}
	if est.Duration != 5*time.Minute {
		t.Errorf("expedited duration: got %v", est.Duration)
	}
	if got := EstimateRestore(types.TierBulk, 0).Duration; got != 12*time.Hour {
		t.Errorf("bulk duration: got %v", got)
	}
}

func (s *CoordinatorSuite) TestListArchiveBatches() {
	s.coldBatch("acme", "batch-1")
	s.coldBatch("globex", "batch-2")

	batches, err := s.c.ListArchiveBatches(s.ctx, types.BatchFilter{TenantID: "acme"})
	s.Require().NoError(err)
	s.Require().Len(batches, 1)
	s.Equal("batch-1", batches[0].ID)
	s.True(batches[0].IsCold)

	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	batches, err = s.c.ListArchiveBatches(s.ctx, types.BatchFilter{TenantID: "acme", From: &from})
	s.Require().NoError(err)
	s.Empty(batches)
	s.NotNil(batches)

	to := from.Add(-time.Hour)
	_, err = s.c.ListArchiveBatches(s.ctx, types.BatchFilter{TenantID: "acme", From: &from, To: &to})
	s.Equal(strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))
}
