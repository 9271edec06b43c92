package matching

import (
	"cmp"
	"slices"

	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// Rank orders candidates best-first:
//
//  1. providers covering the service type and every case tag, then by
//     how many of the tags they cover
//  2. providers speaking the requested language
//  3. lower same-day load
//  4. higher rating
//  5. provider id
//
// Providers at their daily capacity are dropped unless the request is
// relaxed. A capacity of zero means unlimited.
func Rank(candidates []registry.Provider, req Request, loads map[types.ProviderID]int) []registry.Provider {
	required := req.Required()

	out := make([]registry.Provider, 0, len(candidates))
	for _, c := range candidates {
		if !req.Relaxed && c.CapacityPerDay > 0 && loads[c.ID] >= c.CapacityPerDay {
			continue
		}
		out = append(out, c)
	}

	slices.SortStableFunc(out, func(a, b registry.Provider) int {
		if n := cmp.Compare(b.Covers(required), a.Covers(required)); n != 0 {
			return n
		}
		if req.Language != "" {
			if n := cmp.Compare(boolRank(b.Speaks(req.Language)), boolRank(a.Speaks(req.Language))); n != 0 {
				return n
			}
		}
		if n := cmp.Compare(loads[a.ID], loads[b.ID]); n != 0 {
			return n
		}
		if n := cmp.Compare(b.Rating, a.Rating); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
