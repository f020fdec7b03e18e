// Package plan resolves the effective limits of a tenant: its base plan merged with
// the tenant's sparse overrides.
package plan

import (
	"fmt"
	"slices"

	"github.com/strata/strata/pkg/types"
)

// Plan holds the concrete limits the storage lifecycle and export paths enforce.
type Plan struct {
	Name string `json:"name" yaml:"name"`

	// HotRetentionDays is how long events stay in the regional store before they
	// become archival candidates.
	HotRetentionDays int `json:"hot_retention_days" yaml:"hot_retention_days"`

	// ArchiveRetentionDays bounds how far back archived exports may reach. Nil means
	// unbounded.
	ArchiveRetentionDays *int `json:"archive_retention_days,omitempty" yaml:"archive_retention_days,omitempty"`

	// ColdAfterDays is the age after which archive batches are flagged cold. Nil
	// disables cold tiering for the tenant.
	ColdAfterDays *int `json:"cold_after_days,omitempty" yaml:"cold_after_days,omitempty"`

	// MaxExportRows caps the row limit of a single export.
	MaxExportRows int64 `json:"max_export_rows" yaml:"max_export_rows"`

	// AllowedRestoreTiers lists the restore tiers the tenant may request.
	AllowedRestoreTiers []types.RestoreTier `json:"allowed_restore_tiers" yaml:"allowed_restore_tiers"`

	// MaxRestoreDays caps the restore window length.
	MaxRestoreDays int `json:"max_restore_days" yaml:"max_restore_days"`
}

// AllowsTier reports whether the plan includes the restore tier.
func (p Plan) AllowsTier(tier types.RestoreTier) bool {
	return slices.Contains(p.AllowedRestoreTiers, tier)
}

// Validate checks that the limits are usable.
func (p Plan) Validate() error {
	if p.HotRetentionDays < 1 {
		return fmt.Errorf("plan %q: hot_retention_days must be at least 1, got %d", p.Name, p.HotRetentionDays)
	}
	if p.ArchiveRetentionDays != nil && *p.ArchiveRetentionDays < p.HotRetentionDays {
		return fmt.Errorf("plan %q: archive_retention_days (%d) is shorter than hot_retention_days (%d)",
			p.Name, *p.ArchiveRetentionDays, p.HotRetentionDays)
	}
	if p.ColdAfterDays != nil && *p.ColdAfterDays < 1 {
		return fmt.Errorf("plan %q: cold_after_days must be at least 1, got %d", p.Name, *p.ColdAfterDays)
	}
	if p.MaxExportRows < 1 {
		return fmt.Errorf("plan %q: max_export_rows must be positive, got %d", p.Name, p.MaxExportRows)
	}
	if p.MaxRestoreDays < 1 {
		return fmt.Errorf("plan %q: max_restore_days must be at least 1, got %d", p.Name, p.MaxRestoreDays)
	}
	for _, tier := range p.AllowedRestoreTiers {
		if _, err := types.ParseRestoreTier(string(tier)); err != nil {
			return fmt.Errorf("plan %q: %w", p.Name, err)
		}
	}
	return nil
}

// Override is a sparse set of per-tenant adjustments. A nil field leaves the base
// plan's value in place; a non-nil field replaces it. Slices replace, they do not
// merge.
type Override struct {
	HotRetentionDays     *int                `json:"hot_retention_days,omitempty" yaml:"hot_retention_days,omitempty"`
	ArchiveRetentionDays *int                `json:"archive_retention_days,omitempty" yaml:"archive_retention_days,omitempty"`
	ColdAfterDays        *int                `json:"cold_after_days,omitempty" yaml:"cold_after_days,omitempty"`
	MaxExportRows        *int64              `json:"max_export_rows,omitempty" yaml:"max_export_rows,omitempty"`
	AllowedRestoreTiers  []types.RestoreTier `json:"allowed_restore_tiers,omitempty" yaml:"allowed_restore_tiers,omitempty"`
	MaxRestoreDays       *int                `json:"max_restore_days,omitempty" yaml:"max_restore_days,omitempty"`
}

// Apply returns base with every non-nil override field applied. The base plan is
// never modified.
func (o Override) Apply(base Plan) Plan {
	out := base
	out.AllowedRestoreTiers = slices.Clone(base.AllowedRestoreTiers)

	if o.HotRetentionDays != nil {
		out.HotRetentionDays = *o.HotRetentionDays
	}
	if o.ArchiveRetentionDays != nil {
		v := *o.ArchiveRetentionDays
		out.ArchiveRetentionDays = &v
	}
	if o.ColdAfterDays != nil {
		v := *o.ColdAfterDays
		out.ColdAfterDays = &v
	}
	if o.MaxExportRows != nil {
		out.MaxExportRows = *o.MaxExportRows
	}
	if o.AllowedRestoreTiers != nil {
		out.AllowedRestoreTiers = slices.Clone(o.AllowedRestoreTiers)
	}
	if o.MaxRestoreDays != nil {
		out.MaxRestoreDays = *o.MaxRestoreDays
	}
	return out
}

// IsZero reports whether the override changes nothing.
func (o Override) IsZero() bool {
	return o.HotRetentionDays == nil && o.ArchiveRetentionDays == nil && o.ColdAfterDays == nil &&
		o.MaxExportRows == nil && o.AllowedRestoreTiers == nil && o.MaxRestoreDays == nil
}
