package registry

import (
	"context"
	"slices"
	"sync"

	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// MemoryRegistry keeps providers in a map. It backs development setups and
// tests.
type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[types.ProviderID]Provider
}

// NewMemoryRegistry creates a registry holding providers.
func NewMemoryRegistry(providers ...Provider) *MemoryRegistry {
	r := &MemoryRegistry{providers: make(map[types.ProviderID]Provider, len(providers))}
	for _, p := range providers {
		p.Normalize()
		r.providers[p.ID] = p
	}
	return r
}

func (r *MemoryRegistry) FindCandidates(_ context.Context, q CandidateQuery) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		all = append(all, clone(p))
	}
	return filterCandidates(all, q), nil
}

func (r *MemoryRegistry) Get(_ context.Context, id types.ProviderID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, apperrors.NotFound("provider", id.String())
	}
	p = clone(p)
	return &p, nil
}

func (r *MemoryRegistry) List(_ context.Context, filter ListFilter) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if matchesFilter(p, filter) {
			out = append(out, clone(p))
		}
	}
	slices.SortFunc(out, func(a, b Provider) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *MemoryRegistry) Upsert(_ context.Context, p Provider) error {
	if err := validateProvider(&p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = clone(p)
	return nil
}

func clone(p Provider) Provider {
	p.Specializations = slices.Clone(p.Specializations)
	p.Languages = slices.Clone(p.Languages)
	p.OperatingWindow.Ranges = slices.Clone(p.OperatingWindow.Ranges)
	return p
}

func validateProvider(p *Provider) error {
	p.Normalize()
	details := map[string]string{}
	if p.ID.IsZero() {
		details["id"] = "required"
	}
	if p.Name == "" {
		details["name"] = "required"
	}
	if !p.Category.Valid() {
		details["category"] = "unknown category"
	}
	if p.CapacityPerDay < 0 {
		details["capacityPerDay"] = "must not be negative"
	}
	if err := p.OperatingWindow.Validate(); err != nil {
		details["operatingWindow"] = err.Error()
	}
	if len(details) > 0 {
		return apperrors.InvalidRequest("invalid provider", details)
	}
	return nil
}
