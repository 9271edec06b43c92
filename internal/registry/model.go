package registry

import (
	"context"
	"slices"
	"time"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// Category groups providers by sector
type Category string

const (
	CategoryHealth         Category = "health"
	CategoryLawEnforcement Category = "law-enforcement"
	CategoryLegal          Category = "legal"
	CategorySocial         Category = "social"
	CategoryCivilSociety   Category = "civil-society"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryHealth, CategoryLawEnforcement, CategoryLegal, CategorySocial, CategoryCivilSociety:
		return true
	}
	return false
}

// Provider is an organization that can send or receive referrals
type Provider struct {
	ID              types.ProviderID     `json:"id" yaml:"id"`
	Name            string               `json:"name" yaml:"name"`
	Category        Category             `json:"category" yaml:"category"`
	Specializations []types.Tag          `json:"specializations" yaml:"specializations"`
	Languages       []types.LanguageCode `json:"languages" yaml:"languages"`
	CapacityPerDay  int                  `json:"capacityPerDay" yaml:"capacityPerDay"`
	OperatingWindow OperatingWindow      `json:"operatingWindow" yaml:"operatingWindow"`
	Verified        bool                 `json:"verified" yaml:"verified"`
	Active          bool                 `json:"active" yaml:"active"`
	Rating          float64              `json:"rating" yaml:"rating"`
}

// Offers reports whether the provider lists tag among its specializations.
func (p Provider) Offers(tag types.Tag) bool {
	return slices.Contains(p.Specializations, tag)
}

// Speaks reports whether the provider works in lang.
func (p Provider) Speaks(lang types.LanguageCode) bool {
	return slices.Contains(p.Languages, lang)
}

// Covers counts how many of tags the provider offers.
func (p Provider) Covers(tags []types.Tag) int {
	n := 0
	for _, t := range tags {
		if p.Offers(t) {
			n++
		}
	}
	return n
}

// CandidateQuery selects providers able to take a case
type CandidateQuery struct {
	ServiceType types.Tag
	Language    types.LanguageCode
	// Emergency bypasses operating window filtering.
	Emergency bool
	At        time.Time
}

// ListFilter narrows List.
type ListFilter struct {
	Category    *Category `json:"category,omitempty"`
	ServiceType types.Tag `json:"serviceType,omitempty"`
}

// Registry is read-heavy reference data about providers.
type Registry interface {
	// FindCandidates returns verified, active providers offering the service
	// and reachable at q.At, ordered by id. An empty result is not an error.
	FindCandidates(ctx context.Context, q CandidateQuery) ([]Provider, error)
	Get(ctx context.Context, id types.ProviderID) (*Provider, error)
	List(ctx context.Context, filter ListFilter) ([]Provider, error)
	Upsert(ctx context.Context, p Provider) error
}

// Normalize lowercases tags and languages and de-duplicates them.
func (p *Provider) Normalize() {
	for i, t := range p.Specializations {
		p.Specializations[i] = types.NormalizeTag(string(t))
	}
	p.Specializations = types.TagSet(p.Specializations...)

	langs := make([]types.LanguageCode, 0, len(p.Languages))
	for _, l := range p.Languages {
		l = types.NormalizeLanguage(string(l))
		if l != "" && !slices.Contains(langs, l) {
			langs = append(langs, l)
		}
	}
	slices.Sort(langs)
	p.Languages = langs
}

// filterCandidates applies the candidate rules to providers and sorts the
// survivors by id.
func filterCandidates(providers []Provider, q CandidateQuery) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if !p.Verified || !p.Active || !p.Offers(q.ServiceType) {
			continue
		}
		if q.Language != "" && !p.Speaks(q.Language) {
			continue
		}
		if !q.Emergency && !p.OperatingWindow.Allows(q.At) {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Provider) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func matchesFilter(p Provider, f ListFilter) bool {
	if f.Category != nil && p.Category != *f.Category {
		return false
	}
	if f.ServiceType != "" && !p.Offers(f.ServiceType) {
		return false
	}
	return true
}
