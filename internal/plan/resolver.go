package plan

import (
	"fmt"

	strataerrors "github.com/strata/strata/internal/errors"
)

// Resolver returns the effective plan of a tenant. Implementations must be pure:
// the same tenant yields the same plan until configuration changes.
type Resolver interface {
	EffectivePlan(tenantID string) (Plan, error)

	// MinimumPlanFor returns the cheapest configured plan satisfying ok, or "" if
	// none does. Used to enrich PlanRestriction errors.
	MinimumPlanFor(ok func(Plan) bool) string
}

// TenantPlan binds a tenant to a base plan and its overrides.
type TenantPlan struct {
	Plan      string   `json:"plan" yaml:"plan"`
	Overrides Override `json:"overrides" yaml:"overrides"`
}

// StaticResolver resolves plans from an in-memory catalog, typically loaded from
// configuration. Precedence: tenant override > tenant base plan > default plan.
type StaticResolver struct {
	plans       map[string]Plan
	order       []string
	tenants     map[string]TenantPlan
	defaultPlan string
}

// NewStaticResolver validates the catalog and every tenant's effective plan up front
// so that bad overrides fail at startup, not during a nightly job.
// plans must be listed from cheapest to most expensive.
func NewStaticResolver(plans []Plan, tenants map[string]TenantPlan, defaultPlan string) (*StaticResolver, error) {
	r := &StaticResolver{
		plans:       make(map[string]Plan, len(plans)),
		tenants:     make(map[string]TenantPlan, len(tenants)),
		defaultPlan: defaultPlan,
	}
	for _, p := range plans {
		if p.Name == "" {
			return nil, fmt.Errorf("plan: plan name is required")
		}
		if _, dup := r.plans[p.Name]; dup {
			return nil, fmt.Errorf("plan: duplicate plan %q", p.Name)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		r.plans[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	if _, ok := r.plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("plan: default plan %q is not defined", defaultPlan)
	}
	for tenantID, tp := range tenants {
		r.tenants[tenantID] = tp
		if _, err := r.EffectivePlan(tenantID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// EffectivePlan merges the tenant's overrides over its base plan.
func (r *StaticResolver) EffectivePlan(tenantID string) (Plan, error) {
	if tenantID == "" {
		return Plan{}, strataerrors.NewValidationError("tenant id is required")
	}
	tp, ok := r.tenants[tenantID]
	name := r.defaultPlan
	if ok && tp.Plan != "" {
		name = tp.Plan
	}
	base, found := r.plans[name]
	if !found {
		return Plan{}, fmt.Errorf("plan: tenant %s references unknown plan %q", tenantID, name)
	}
	if !ok || tp.Overrides.IsZero() {
		return base, nil
	}
	effective := tp.Overrides.Apply(base)
	if err := effective.Validate(); err != nil {
		return Plan{}, fmt.Errorf("plan: overrides for tenant %s: %w", tenantID, err)
	}
	return effective, nil
}

// MinimumPlanFor walks the catalog from cheapest to most expensive.
func (r *StaticResolver) MinimumPlanFor(ok func(Plan) bool) string {
	for _, name := range r.order {
		if ok(r.plans[name]) {
			return name
		}
	}
	return ""
}
