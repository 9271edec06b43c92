package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// EventType names a case event
type EventType string

const (
	EventCreated    EventType = "created"
	EventMatched    EventType = "matched"
	EventReassigned EventType = "reassigned"
	EventAccepted   EventType = "accepted"
	EventRejected   EventType = "rejected"
	EventEscalated  EventType = "escalated"
	EventStarted    EventType = "started"
	EventCompleted  EventType = "completed"
	EventCancelled  EventType = "cancelled"
	EventOverdue    EventType = "overdue"
)

// Outcome returns the state a case is in right after an event of type t.
// Overdue leaves the state unchanged and reports false.
func (t EventType) Outcome() (State, bool) {
	switch t {
	case EventCreated:
		return StatePending, true
	case EventMatched, EventReassigned:
		return StateMatched, true
	case EventAccepted:
		return StateAccepted, true
	case EventRejected:
		return StateRejected, true
	case EventEscalated:
		return StateEscalated, true
	case EventStarted:
		return StateInProgress, true
	case EventCompleted:
		return StateCompleted, true
	case EventCancelled:
		return StateCancelled, true
	}
	return "", false
}

// CaseEvent is one immutable entry in a case history.
type CaseEvent struct {
	EventID         types.ID         `json:"eventId"`
	CaseID          types.ID         `json:"caseId"`
	Sequence        int              `json:"sequence"`
	Type            EventType        `json:"type"`
	ActorProviderID types.ProviderID `json:"actorProviderId"`
	Timestamp       time.Time        `json:"timestamp"`
	Payload         EventPayload     `json:"payload"`
}

// EventPayload carries the event-specific fields. Only the fields relevant
// to an event type are set.
type EventPayload struct {
	// created
	ClientID       string             `json:"clientId,omitempty"`
	FromProviderID types.ProviderID   `json:"fromProviderId,omitempty"`
	ServiceType    types.Tag          `json:"serviceType,omitempty"`
	Tags           []types.Tag        `json:"tags,omitempty"`
	Language       types.LanguageCode `json:"language,omitempty"`
	Urgency        Urgency            `json:"urgency,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	DuplicateOf    []types.ID         `json:"duplicateOf,omitempty"`

	// matched, reassigned
	ToProviderID types.ProviderID `json:"toProviderId,omitempty"`
	Relaxed      bool             `json:"relaxed,omitempty"`

	// rejected, escalated, cancelled
	ReasonCode string `json:"reasonCode,omitempty"`

	// escalated
	ExcludedProviderID types.ProviderID `json:"excludedProviderId,omitempty"`
	Round              int              `json:"round,omitempty"`

	// escalated (flagged) and manual assignment
	Manual bool `json:"manualDispatch,omitempty"`

	// completed, cancelled
	Note string `json:"note,omitempty"`
}

// ToMap converts the payload into the generic event-log representation.
func (p EventPayload) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return out, nil
}

// PayloadFromMap is the inverse of ToMap.
func PayloadFromMap(data map[string]any) (EventPayload, error) {
	var p EventPayload
	if len(data) == 0 {
		return p, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return p, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}

// IsConfidential reports whether the payload carries client-identifying or
// free-text fields.
func (p EventPayload) IsConfidential() bool {
	return p.ClientID != "" || p.Notes != "" || p.Note != ""
}
