package registry

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// CachedRegistry memoizes provider lookups in front of a slower registry.
// Candidate queries cache the per-service provider list and apply the
// time-dependent filters on every call.
type CachedRegistry struct {
	inner Registry
	cache *cache.Cache
}

// NewCachedRegistry wraps inner with a TTL cache.
func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner: inner,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *CachedRegistry) FindCandidates(ctx context.Context, q CandidateQuery) ([]Provider, error) {
	key := "service:" + string(q.ServiceType)
	if v, ok := r.cache.Get(key); ok {
		return filterCandidates(cloneAll(v.([]Provider)), q), nil
	}

	providers, err := r.inner.List(ctx, ListFilter{ServiceType: q.ServiceType})
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, providers)
	return filterCandidates(cloneAll(providers), q), nil
}

func (r *CachedRegistry) Get(ctx context.Context, id types.ProviderID) (*Provider, error) {
	key := "provider:" + id.String()
	if v, ok := r.cache.Get(key); ok {
		p := clone(v.(Provider))
		return &p, nil
	}

	p, err := r.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(key, clone(*p))
	return p, nil
}

func (r *CachedRegistry) List(ctx context.Context, filter ListFilter) ([]Provider, error) {
	return r.inner.List(ctx, filter)
}

// Upsert writes through and drops every cached entry.
func (r *CachedRegistry) Upsert(ctx context.Context, p Provider) error {
	if err := r.inner.Upsert(ctx, p); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

func cloneAll(providers []Provider) []Provider {
	out := make([]Provider, len(providers))
	for i, p := range providers {
		out[i] = clone(p)
	}
	return out
}
