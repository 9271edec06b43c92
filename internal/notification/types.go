// Package notification publishes committed case events to downstream
// sinks. Records carry routing facts only, never client data or notes.
package notification

import (
	"time"

	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// DispatchRecord is the outbound form of one case event.
type DispatchRecord struct {
	EventID         types.ID         `json:"eventId"`
	Type            domain.EventType `json:"type"`
	CaseID          types.ID         `json:"caseId"`
	Sequence        int              `json:"sequence"`
	ActorProviderID types.ProviderID `json:"actorProviderId"`
	FromProviderID  types.ProviderID `json:"fromProviderId"`
	ToProviderID    types.ProviderID `json:"toProviderId,omitempty"`
	State           domain.State     `json:"state"`
	Urgency         domain.Urgency   `json:"urgency"`
	ServiceType     types.Tag        `json:"serviceType"`
	ReasonCode      string           `json:"reasonCode,omitempty"`
	ManualDispatch  bool             `json:"manualDispatch,omitempty"`
	DeadlineAt      *time.Time       `json:"deadlineAt,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// NewRecords builds one record per event. c is the case after the events
// were applied.
func NewRecords(c *domain.Case, events []domain.CaseEvent) []DispatchRecord {
	out := make([]DispatchRecord, 0, len(events))
	for _, e := range events {
		rec := DispatchRecord{
			EventID:         e.EventID,
			Type:            e.Type,
			CaseID:          e.CaseID,
			Sequence:        e.Sequence,
			ActorProviderID: e.ActorProviderID,
			FromProviderID:  c.FromProviderID,
			ToProviderID:    assigneeAt(c, e.Sequence),
			State:           stateAt(c, e.Sequence),
			Urgency:         c.Urgency,
			ServiceType:     c.ServiceType,
			ReasonCode:      e.Payload.ReasonCode,
			ManualDispatch:  e.Payload.Manual,
			Timestamp:       e.Timestamp,
		}
		if e.Sequence == c.Version && c.DeadlineAt != nil {
			at := *c.DeadlineAt
			rec.DeadlineAt = &at
		}
		out = append(out, rec)
	}
	return out
}

// assigneeAt returns the provider holding c right after event seq.
func assigneeAt(c *domain.Case, seq int) types.ProviderID {
	var to types.ProviderID
	for _, e := range c.History {
		if e.Sequence > seq {
			break
		}
		if e.Type == domain.EventMatched || e.Type == domain.EventReassigned {
			to = e.Payload.ToProviderID
		}
	}
	return to
}

// stateAt returns the state of c right after event seq.
func stateAt(c *domain.Case, seq int) domain.State {
	var state domain.State
	for _, e := range c.History {
		if e.Sequence > seq {
			break
		}
		if s, ok := e.Type.Outcome(); ok {
			state = s
		}
	}
	if state == "" {
		return c.State
	}
	return state
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}
