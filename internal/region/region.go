// Package region holds the per-region service objects. Each region is an
// independent silo: its own store and its own archive bucket.
package region

import (
	"fmt"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
)

// Region bundles the resources jobs and services need for one region.
type Region struct {
	Name    string
	Store   *store.Store
	Objects storage.ObjectStorage
}

// Registry is the set of configured regions in configuration order, plus the home
// region of each pinned tenant.
type Registry struct {
	order   []string
	regions map[string]*Region
	homes   map[string]string
}

// NewRegistry builds a registry. Region names must be unique and non-empty.
func NewRegistry(regions ...*Region) (*Registry, error) {
	r := &Registry{regions: make(map[string]*Region, len(regions)), homes: make(map[string]string)}
	for _, reg := range regions {
		if reg.Name == "" {
			return nil, fmt.Errorf("region: name is required")
		}
		if reg.Store == nil || reg.Objects == nil {
			return nil, fmt.Errorf("region %s: store and object storage are required", reg.Name)
		}
		if _, dup := r.regions[reg.Name]; dup {
			return nil, fmt.Errorf("region: duplicate region %q", reg.Name)
		}
		r.regions[reg.Name] = reg
		r.order = append(r.order, reg.Name)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("region: at least one region is required")
	}
	return r, nil
}

// Get returns the named region.
func (r *Registry) Get(name string) (*Region, error) {
	reg, ok := r.regions[name]
	if !ok {
		return nil, strataerrors.NewNotFoundError(strataerrors.CodeRegionNotFound, fmt.Sprintf("region %q is not configured", name))
	}
	return reg, nil
}

// Pin makes regionName the home region of tenantID. Call during setup only.
func (r *Registry) Pin(tenantID, regionName string) error {
	if _, ok := r.regions[regionName]; !ok {
		return fmt.Errorf("region: tenant %s pinned to unknown region %q", tenantID, regionName)
	}
	r.homes[tenantID] = regionName
	return nil
}

// ForTenant returns the tenant's home region; unpinned tenants live in the default
// region.
func (r *Registry) ForTenant(tenantID string) *Region {
	if name, ok := r.homes[tenantID]; ok {
		return r.regions[name]
	}
	return r.Default()
}

// Default returns the first configured region.
func (r *Registry) Default() *Region {
	return r.regions[r.order[0]]
}

// All returns the regions in configuration order.
func (r *Registry) All() []*Region {
	out := make([]*Region, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.regions[name])
	}
	return out
}

// Names returns the region names in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Close closes every region's store and returns the first error.
func (r *Registry) Close() error {
	var first error
	for _, reg := range r.All() {
		if err := reg.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
