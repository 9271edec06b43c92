package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/types"
)

func provider(id string, rating float64, capacity int, tags []types.Tag, langs ...types.LanguageCode) registry.Provider {
	return registry.Provider{
		ID:              types.ProviderID(id),
		Specializations: tags,
		Languages:       langs,
		CapacityPerDay:  capacity,
		Rating:          rating,
	}
}

func order(providers []registry.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.ID.String()
	}
	return out
}

func TestRankOrder(t *testing.T) {
	legal := []types.Tag{"legal-aid"}
	legalShelter := []types.Tag{"legal-aid", "shelter"}

	tests := []struct {
		name       string
		candidates []registry.Provider
		req        Request
		loads      map[types.ProviderID]int
		want       []string
	}{
		{
			name: "tag cover beats everything",
			candidates: []registry.Provider{
				provider("A", 5, 0, legal, "en"),
				provider("B", 1, 0, legalShelter),
			},
			req:   Request{ServiceType: "legal-aid", Tags: []types.Tag{"shelter"}, Language: "en"},
			loads: map[types.ProviderID]int{"B": 9},
			want:  []string{"B", "A"},
		},
		{
			name: "language before load",
			candidates: []registry.Provider{
				provider("A", 3, 0, legal, "en"),
				provider("B", 3, 0, legal, "ha"),
			},
			req:   Request{ServiceType: "legal-aid", Language: "ha", Relaxed: true},
			loads: map[types.ProviderID]int{"B": 4},
			want:  []string{"B", "A"},
		},
		{
			name: "load before rating",
			candidates: []registry.Provider{
				provider("A", 5, 0, legal),
				provider("B", 2, 0, legal),
			},
			req:   Request{ServiceType: "legal-aid"},
			loads: map[types.ProviderID]int{"A": 3, "B": 1},
			want:  []string{"B", "A"},
		},
		{
			name: "rating then id",
			candidates: []registry.Provider{
				provider("C", 4, 0, legal),
				provider("B", 4, 0, legal),
				provider("A", 2, 0, legal),
			},
			req:  Request{ServiceType: "legal-aid"},
			want: []string{"B", "C", "A"},
		},
		{
			name: "full providers dropped",
			candidates: []registry.Provider{
				provider("A", 5, 2, legal),
				provider("B", 1, 0, legal),
			},
			req:   Request{ServiceType: "legal-aid"},
			loads: map[types.ProviderID]int{"A": 2, "B": 50},
			want:  []string{"B"},
		},
		{
			name: "relaxed ignores capacity",
			candidates: []registry.Provider{
				provider("A", 5, 2, legal),
			},
			req:   Request{ServiceType: "legal-aid", Relaxed: true},
			loads: map[types.ProviderID]int{"A": 2},
			want:  []string{"A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, order(Rank(tt.candidates, tt.req, tt.loads)))
		})
	}
}

func TestRankIsDeterministic(t *testing.T) {
	legal := []types.Tag{"legal-aid"}
	candidates := []registry.Provider{
		provider("D", 3, 0, legal),
		provider("A", 3, 0, legal),
		provider("C", 3, 0, legal),
		provider("B", 3, 0, legal),
	}
	req := Request{ServiceType: "legal-aid"}

	first := order(Rank(candidates, req, nil))
	for range 20 {
		assert.Equal(t, first, order(Rank(candidates, req, nil)))
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, first)
}
