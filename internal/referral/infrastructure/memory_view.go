package infrastructure

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/carelink-ng/referral/internal/referral/domain"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// MemoryView is an in-process domain.CaseView. Cases are stored as JSON
// documents, as in the Postgres view, so callers never share memory with it.
type MemoryView struct {
	mu    sync.RWMutex
	cases map[types.ID][]byte
	index map[types.ID]*domain.Case
}

// NewMemoryView creates an empty view.
func NewMemoryView() *MemoryView {
	return &MemoryView{
		cases: make(map[types.ID][]byte),
		index: make(map[types.ID]*domain.Case),
	}
}

func (v *MemoryView) Upsert(_ context.Context, c *domain.Case) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var summary domain.Case
	if err := json.Unmarshal(doc, &summary); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.index[c.ID]; ok && existing.Version > c.Version {
		return nil
	}
	v.cases[c.ID] = doc
	v.index[c.ID] = &summary
	return nil
}

func (v *MemoryView) Get(_ context.Context, caseID types.ID) (*domain.Case, error) {
	v.mu.RLock()
	doc, ok := v.cases[caseID]
	v.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound("case", caseID.String())
	}
	return decodeCase(doc)
}

func (v *MemoryView) ListForProvider(_ context.Context, providerID types.ProviderID, filter domain.ListFilter) ([]domain.Case, error) {
	return v.collect(func(c *domain.Case) bool {
		if c.FromProviderID != providerID && c.CurrentAssignee() != providerID {
			return false
		}
		return filter.State == nil || c.State == *filter.State
	}, filter.Offset, filter.Limit)
}

func (v *MemoryView) ListWithDeadline(_ context.Context) ([]domain.Case, error) {
	cases, err := v.collect(func(c *domain.Case) bool {
		return !c.State.IsTerminal() && c.DeadlineAt != nil
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(cases, func(a, b domain.Case) int {
		return a.DeadlineAt.Compare(*b.DeadlineAt)
	})
	return cases, nil
}

func (v *MemoryView) OpenEmergencies(_ context.Context, clientID string) ([]types.ID, error) {
	cases, err := v.collect(func(c *domain.Case) bool {
		return c.ClientID == clientID && c.Urgency == domain.UrgencyEmergency && !c.State.IsTerminal()
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
	}
	return ids, nil
}

// collect returns matching cases newest first.
func (v *MemoryView) collect(match func(*domain.Case) bool, offset, limit int) ([]domain.Case, error) {
	v.mu.RLock()
	var docs [][]byte
	for id, c := range v.index {
		if match(c) {
			docs = append(docs, v.cases[id])
		}
	}
	v.mu.RUnlock()

	out := make([]domain.Case, 0, len(docs))
	for _, doc := range docs {
		c, err := decodeCase(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b domain.Case) int {
		if n := b.CreatedAt.Compare(a.CreatedAt); n != 0 {
			return n
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return page(out, offset, limit), nil
}

func page(cases []domain.Case, offset, limit int) []domain.Case {
	if offset > len(cases) {
		return []domain.Case{}
	}
	cases = cases[offset:]
	if limit > 0 && limit < len(cases) {
		cases = cases[:limit]
	}
	return cases
}

func decodeCase(doc []byte) (*domain.Case, error) {
	var c domain.Case
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
