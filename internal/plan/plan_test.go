package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/pkg/types"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func testPlans() []Plan {
	return []Plan{
		{
			Name:                "free",
			HotRetentionDays:    7,
			MaxExportRows:       10_000,
			AllowedRestoreTiers: []types.RestoreTier{types.TierBulk},
			MaxRestoreDays:      3,
		},
		{
			Name:                 "pro",
			HotRetentionDays:     30,
			ArchiveRetentionDays: intPtr(365),
			ColdAfterDays:        intPtr(90),
			MaxExportRows:        1_000_000,
			AllowedRestoreTiers:  []types.RestoreTier{types.TierBulk, types.TierStandard},
			MaxRestoreDays:       7,
		},
		{
			Name:                 "enterprise",
			HotRetentionDays:     90,
			ArchiveRetentionDays: intPtr(2555),
			ColdAfterDays:        intPtr(180),
			MaxExportRows:        100_000_000,
			AllowedRestoreTiers:  []types.RestoreTier{types.TierBulk, types.TierStandard, types.TierExpedited},
			MaxRestoreDays:       30,
		},
	}
}

func TestOverrideApply(t *testing.T) {
	base := testPlans()[1]

	t.Run("zero override keeps base", func(t *testing.T) {
		got := Override{}.Apply(base)
		assert.Equal(t, base, got)
	})

	t.Run("set fields replace base values", func(t *testing.T) {
		o := Override{
			HotRetentionDays:    intPtr(45),
			MaxExportRows:       int64Ptr(5),
			AllowedRestoreTiers: []types.RestoreTier{types.TierExpedited},
		}
		got := o.Apply(base)
		assert.Equal(t, 45, got.HotRetentionDays)
		assert.Equal(t, int64(5), got.MaxExportRows)
		assert.Equal(t, []types.RestoreTier{types.TierExpedited}, got.AllowedRestoreTiers)
		assert.Equal(t, 90, *got.ColdAfterDays, "unset field must keep base value")
	})

	t.Run("apply does not alias base", func(t *testing.T) {
		got := Override{ColdAfterDays: intPtr(10)}.Apply(base)
		*got.ColdAfterDays = 1
		got.AllowedRestoreTiers[0] = types.TierExpedited
		assert.Equal(t, 90, *base.ColdAfterDays)
		assert.Equal(t, types.TierBulk, base.AllowedRestoreTiers[0])
	})
}

func TestStaticResolver(t *testing.T) {
	tenants := map[string]TenantPlan{
		"acme":   {Plan: "pro"},
		"globex": {Plan: "free", Overrides: Override{HotRetentionDays: intPtr(14)}},
	}
	r, err := NewStaticResolver(testPlans(), tenants, "free")
	require.NoError(t, err)

	p, err := r.EffectivePlan("acme")
	require.NoError(t, err)
	assert.Equal(t, "pro", p.Name)
	assert.Equal(t, 30, p.HotRetentionDays)

	p, err = r.EffectivePlan("globex")
	require.NoError(t, err)
	assert.Equal(t, 14, p.HotRetentionDays)

	p, err = r.EffectivePlan("unknown-tenant")
	require.NoError(t, err)
	assert.Equal(t, "free", p.Name)

	_, err = r.EffectivePlan("")
	assert.Equal(t, strataerrors.ErrCategoryValidation, strataerrors.GetCategory(err))
}

func TestStaticResolverRejectsInvalidOverrides(t *testing.T) {
	tenants := map[string]TenantPlan{
		"acme": {Plan: "pro", Overrides: Override{ArchiveRetentionDays: intPtr(1)}},
	}
	_, err := NewStaticResolver(testPlans(), tenants, "free")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive_retention_days")
}

func TestStaticResolverRejectsUnknownDefault(t *testing.T) {
	_, err := NewStaticResolver(testPlans(), nil, "platinum")
	require.Error(t, err)
}

func TestMinimumPlanFor(t *testing.T) {
	r, err := NewStaticResolver(testPlans(), nil, "free")
	require.NoError(t, err)

	assert.Equal(t, "free", r.MinimumPlanFor(func(p Plan) bool { return p.AllowsTier(types.TierBulk) }))
	assert.Equal(t, "pro", r.MinimumPlanFor(func(p Plan) bool { return p.AllowsTier(types.TierStandard) }))
	assert.Equal(t, "enterprise", r.MinimumPlanFor(func(p Plan) bool { return p.AllowsTier(types.TierExpedited) }))
	assert.Equal(t, "", r.MinimumPlanFor(func(p Plan) bool { return p.MaxExportRows > 1_000_000_000 }))
}
