package domain

import (
	"context"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// EventLog is the authoritative, append-only store of case histories.
type EventLog interface {
	// Load returns the history of a case in sequence order, empty if unknown.
	Load(ctx context.Context, caseID types.ID) ([]CaseEvent, error)

	// Append adds events after expectedVersion. A concurrent writer makes it
	// fail with a state conflict.
	Append(ctx context.Context, caseID types.ID, expectedVersion int, events []CaseEvent) error

	// CaseIDs lists every case in the log.
	CaseIDs(ctx context.Context) ([]types.ID, error)
}

// CaseView is the queryable projection of cases. It can always be rebuilt
// from the EventLog.
type CaseView interface {
	// Upsert stores c unless a newer version is already present.
	Upsert(ctx context.Context, c *Case) error

	Get(ctx context.Context, caseID types.ID) (*Case, error)

	// ListForProvider returns cases the provider referred or currently holds.
	ListForProvider(ctx context.Context, providerID types.ProviderID, filter ListFilter) ([]Case, error)

	// ListWithDeadline returns open cases that carry a deadline.
	ListWithDeadline(ctx context.Context) ([]Case, error)

	// OpenEmergencies returns ids of open emergency cases for a client.
	OpenEmergencies(ctx context.Context, clientID string) ([]types.ID, error)
}

// ListFilter narrows ListForProvider
type ListFilter struct {
	State  *State `json:"state,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
