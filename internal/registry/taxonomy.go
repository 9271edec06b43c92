package registry

import (
	"slices"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// DefaultTags is the built-in service taxonomy.
var DefaultTags = []types.Tag{
	"legal-aid",
	"medical-care",
	"hiv-care",
	"pep",
	"counselling",
	"psychosocial-support",
	"shelter",
	"safe-house",
	"police-report",
	"forensic-exam",
	"social-welfare",
	"livelihood-support",
}

// Taxonomy is the closed set of service tags a referral may use.
type Taxonomy struct {
	tags []types.Tag
}

// NewTaxonomy builds a taxonomy from raw tag names. With none given it
// falls back to DefaultTags.
func NewTaxonomy(names ...string) *Taxonomy {
	tags := make([]types.Tag, 0, len(names))
	for _, n := range names {
		tags = append(tags, types.NormalizeTag(n))
	}
	if len(tags) == 0 {
		tags = slices.Clone(DefaultTags)
	}
	return &Taxonomy{tags: types.TagSet(tags...)}
}

// Known reports whether tag belongs to the taxonomy.
func (t *Taxonomy) Known(tag types.Tag) bool {
	_, found := slices.BinarySearch(t.tags, tag)
	return found
}

// Tags returns the sorted taxonomy.
func (t *Taxonomy) Tags() []types.Tag {
	return slices.Clone(t.tags)
}
