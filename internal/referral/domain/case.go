package domain

import (
	"fmt"
	"slices"
	"time"

	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// AggregateType names the case stream category in the event log.
const AggregateType = "referral_case"

// State is the lifecycle position of a case
type State string

const (
	StatePending    State = "pending"
	StateMatched    State = "matched"
	StateAccepted   State = "accepted"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateEscalated  State = "escalated"
	StateCancelled  State = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateMatched, StateAccepted, StateInProgress,
		StateCompleted, StateRejected, StateEscalated, StateCancelled:
		return true
	}
	return false
}

// Urgency drives deadlines and emergency handling
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return true
	}
	return false
}

// Escalation reasons recorded on escalated events
const (
	ReasonNoCandidate = "no_candidate"
	ReasonAckTimeout  = "ack_timeout"
)

// Case is the aggregate root for a referral. Its fields are derived entirely
// from History; every mutation goes through an event.
type Case struct {
	ID             types.ID           `json:"caseId"`
	ClientID       string             `json:"clientId"`
	FromProviderID types.ProviderID   `json:"fromProviderId"`
	ToProviderID   *types.ProviderID  `json:"toProviderId"`
	ServiceType    types.Tag          `json:"serviceType"`
	Tags           []types.Tag        `json:"tags"`
	Language       types.LanguageCode `json:"language,omitempty"`
	Urgency        Urgency            `json:"urgency"`
	State          State              `json:"state"`
	Notes          string             `json:"notes,omitempty"`

	CreatedAt        time.Time  `json:"createdAt"`
	LastTransitionAt time.Time  `json:"lastTransitionAt"`
	DeadlineAt       *time.Time `json:"deadlineAt"`

	EscalationRounds  int                `json:"escalationRounds"`
	ManualDispatch    bool               `json:"manualDispatch"`
	Overdue           bool               `json:"overdue"`
	ExcludedProviders []types.ProviderID `json:"excludedProviders"`
	DuplicateOf       []types.ID         `json:"duplicateOf,omitempty"`

	OutcomeNote  string `json:"outcomeNote,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`

	Version int         `json:"version"`
	History []CaseEvent `json:"history"`

	policy  DeadlinePolicy
	pending []CaseEvent
}

// NewCase opens a case from a validated referral. notes must already be sealed.
func NewCase(id types.ID, req ReferralRequest, sealedNotes string, duplicateOf []types.ID, now time.Time, policy DeadlinePolicy) (*Case, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("case id is required")
	}
	c := &Case{policy: policy}
	err := c.raise(EventCreated, req.FromProviderID, now, EventPayload{
		ClientID:       req.ClientID,
		FromProviderID: req.FromProviderID,
		ServiceType:    req.ServiceType,
		Tags:           types.TagSet(req.Tags...),
		Language:       req.Language,
		Urgency:        req.Urgency,
		Notes:          sealedNotes,
		DuplicateOf:    duplicateOf,
	}, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Replay rebuilds a case from its history.
func Replay(events []CaseEvent, policy DeadlinePolicy) (*Case, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot replay an empty history")
	}
	c := &Case{policy: policy}
	for _, e := range events {
		if err := c.Apply(e); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// --- Transitions ---

// Match assigns the case to provider. The first assignment records a matched
// event, every later one a reassigned event.
func (c *Case) Match(provider types.ProviderID, relaxed bool, now time.Time) error {
	switch c.State {
	case StatePending, StateRejected:
	case StateEscalated:
		if c.ManualDispatch {
			return c.conflict("case is awaiting manual dispatch", "escalated")
		}
	default:
		return c.conflict("case cannot be routed", "pending|rejected|escalated")
	}
	if provider.IsZero() {
		return fmt.Errorf("provider is required")
	}
	if c.IsExcluded(provider) {
		return fmt.Errorf("provider %s is excluded for this case", provider)
	}

	eventType := EventMatched
	if c.ToProviderID != nil {
		eventType = EventReassigned
	}
	return c.raise(eventType, types.SystemActor, now, EventPayload{
		ToProviderID: provider,
		Relaxed:      relaxed,
	}, c.ID)
}

// AssignManually resolves a case flagged for manual dispatch.
func (c *Case) AssignManually(provider, dispatcher types.ProviderID, now time.Time) error {
	if c.State != StateEscalated {
		return c.conflict("only escalated cases can be dispatched manually", "escalated")
	}
	if provider.IsZero() {
		return apperrors.InvalidRequest("provider is required", nil)
	}
	if c.IsExcluded(provider) {
		return apperrors.InvalidRequest("provider already declined or timed out on this case",
			map[string]string{"providerId": provider.String()})
	}

	eventType := EventMatched
	if c.ToProviderID != nil {
		eventType = EventReassigned
	}
	return c.raise(eventType, dispatcher, now, EventPayload{
		ToProviderID: provider,
		Manual:       true,
	}, c.ID)
}

// Accept records the receiving provider's acknowledgement.
func (c *Case) Accept(provider types.ProviderID, now time.Time) error {
	if err := c.requireAssignee(provider, StateMatched); err != nil {
		return err
	}
	return c.raise(EventAccepted, provider, now, EventPayload{}, c.ID)
}

// Reject records a decline; the provider is excluded from further routing.
func (c *Case) Reject(provider types.ProviderID, reasonCode string, now time.Time) error {
	if err := c.requireAssignee(provider, StateMatched); err != nil {
		return err
	}
	return c.raise(EventRejected, provider, now, EventPayload{ReasonCode: reasonCode}, c.ID)
}

// Escalate records an escalation round. excluded is the timed-out provider,
// if any.
func (c *Case) Escalate(reason string, excluded types.ProviderID, manual bool, now time.Time) error {
	switch c.State {
	case StatePending, StateMatched, StateRejected, StateEscalated:
	default:
		return c.conflict("case cannot be escalated", "pending|matched|rejected|escalated")
	}
	if c.ManualDispatch {
		return c.conflict("case is awaiting manual dispatch", "escalated")
	}
	return c.raise(EventEscalated, types.SystemActor, now, EventPayload{
		ReasonCode:         reason,
		ExcludedProviderID: excluded,
		Round:              c.EscalationRounds + 1,
		Manual:             manual,
	}, c.ID)
}

// Start marks accepted work as begun.
func (c *Case) Start(provider types.ProviderID, now time.Time) error {
	if err := c.requireAssignee(provider, StateAccepted); err != nil {
		return err
	}
	return c.raise(EventStarted, provider, now, EventPayload{}, c.ID)
}

// Complete closes the case with an outcome note.
func (c *Case) Complete(provider types.ProviderID, outcome string, now time.Time) error {
	if err := c.requireAssignee(provider, StateInProgress); err != nil {
		return err
	}
	if outcome == "" {
		return apperrors.InvalidRequest("an outcome note is required to complete a case", nil)
	}
	return c.raise(EventCompleted, provider, now, EventPayload{Note: outcome}, c.ID)
}

// Cancel withdraws the referral. Only the requesting provider may cancel.
func (c *Case) Cancel(provider types.ProviderID, reasonCode, note string, now time.Time) error {
	if c.State.IsTerminal() {
		return c.conflict("case is already closed", "non-terminal")
	}
	if provider != c.FromProviderID {
		return apperrors.Forbidden("only the referring provider can cancel a case")
	}
	if reasonCode == "" {
		return apperrors.InvalidRequest("a reason code is required to cancel a case", nil)
	}
	return c.raise(EventCancelled, provider, now, EventPayload{ReasonCode: reasonCode, Note: note}, c.ID)
}

// MarkOverdue records that the current phase deadline passed.
func (c *Case) MarkOverdue(now time.Time) error {
	if c.State != StateAccepted && c.State != StateInProgress {
		return c.conflict("only accepted or in-progress cases can be overdue", "accepted|in_progress")
	}
	if c.Overdue {
		return c.conflict("case is already overdue", "")
	}
	return c.raise(EventOverdue, types.SystemActor, now, EventPayload{}, c.ID)
}

// --- Event application ---

// Apply folds one event into the case. It is shared by the live path and
// replay, so the two cannot diverge.
func (c *Case) Apply(e CaseEvent) error {
	if e.Sequence != c.Version+1 {
		return fmt.Errorf("event %s out of sequence: got %d, want %d", e.EventID, e.Sequence, c.Version+1)
	}
	if c.Version == 0 && e.Type != EventCreated {
		return fmt.Errorf("first event must be %s, got %s", EventCreated, e.Type)
	}

	p := e.Payload
	switch e.Type {
	case EventCreated:
		c.ID = e.CaseID
		c.ClientID = p.ClientID
		c.FromProviderID = p.FromProviderID
		c.ServiceType = p.ServiceType
		c.Tags = p.Tags
		c.Language = p.Language
		c.Urgency = p.Urgency
		c.Notes = p.Notes
		c.DuplicateOf = p.DuplicateOf
		c.ExcludedProviders = []types.ProviderID{}
		c.CreatedAt = e.Timestamp
		c.State = StatePending
	case EventMatched, EventReassigned:
		to := p.ToProviderID
		c.ToProviderID = &to
		c.State = StateMatched
		c.ManualDispatch = false
	case EventAccepted:
		c.State = StateAccepted
		c.Overdue = false
	case EventRejected:
		if c.ToProviderID != nil {
			c.exclude(*c.ToProviderID)
		}
		c.State = StateRejected
	case EventEscalated:
		if !p.ExcludedProviderID.IsZero() {
			c.exclude(p.ExcludedProviderID)
		}
		c.EscalationRounds = p.Round
		c.ManualDispatch = p.Manual
		c.State = StateEscalated
	case EventStarted:
		c.State = StateInProgress
		c.Overdue = false
	case EventCompleted:
		c.OutcomeNote = p.Note
		c.State = StateCompleted
	case EventCancelled:
		c.CancelReason = p.ReasonCode
		c.OutcomeNote = p.Note
		c.State = StateCancelled
	case EventOverdue:
		c.Overdue = true
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}

	if e.Type != EventOverdue {
		c.LastTransitionAt = e.Timestamp
	}
	c.DeadlineAt = c.policy.DeadlineFor(c, e.Timestamp)
	if e.Type == EventOverdue {
		c.DeadlineAt = nil
	}
	c.Version = e.Sequence
	c.History = append(c.History, e)
	return nil
}

func (c *Case) raise(eventType EventType, actor types.ProviderID, now time.Time, payload EventPayload, caseID types.ID) error {
	e := CaseEvent{
		EventID:         types.NewID(),
		CaseID:          caseID,
		Sequence:        c.Version + 1,
		Type:            eventType,
		ActorProviderID: actor,
		Timestamp:       now.UTC(),
		Payload:         payload,
	}
	if err := c.Apply(e); err != nil {
		return err
	}
	c.pending = append(c.pending, e)
	return nil
}

// PendingEvents returns events raised since the case was loaded.
func (c *Case) PendingEvents() []CaseEvent {
	return c.pending
}

// ClearPendingEvents is called once the pending events are durable.
func (c *Case) ClearPendingEvents() {
	c.pending = nil
}

// BaseVersion is the stream version the pending events were raised against.
func (c *Case) BaseVersion() int {
	return c.Version - len(c.pending)
}

// IsExcluded reports whether provider declined or timed out on this case.
func (c *Case) IsExcluded(provider types.ProviderID) bool {
	return slices.Contains(c.ExcludedProviders, provider)
}

// Relaxed reports whether routing should drop the language and capacity
// filters. Escalation widens the pool for every later round.
func (c *Case) Relaxed() bool {
	return c.EscalationRounds > 0
}

// Routable reports whether the matching engine should be consulted.
func (c *Case) Routable() bool {
	switch c.State {
	case StatePending, StateRejected:
		return true
	case StateEscalated:
		return !c.ManualDispatch
	}
	return false
}

// CurrentAssignee returns the matched provider or the zero id.
func (c *Case) CurrentAssignee() types.ProviderID {
	if c.ToProviderID == nil {
		return ""
	}
	return *c.ToProviderID
}

func (c *Case) exclude(provider types.ProviderID) {
	if !c.IsExcluded(provider) {
		c.ExcludedProviders = append(c.ExcludedProviders, provider)
	}
}

func (c *Case) requireAssignee(provider types.ProviderID, state State) error {
	if c.State != state {
		return c.conflict(fmt.Sprintf("case is %s, not %s", c.State, state), string(state))
	}
	if c.ToProviderID == nil || *c.ToProviderID != provider {
		return c.conflict("case is not assigned to this provider", string(state))
	}
	return nil
}

func (c *Case) conflict(message, expected string) error {
	return apperrors.StateConflict(message, expected, string(c.State))
}
