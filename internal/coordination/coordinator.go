// Package coordination owns the referral case lifecycle: it applies
// transitions, routes cases through the matching engine, and reacts to
// deadlines fired by the escalation scheduler.
package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carelink-ng/referral/internal/matching"
	"github.com/carelink-ng/referral/internal/privacy"
	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/clock"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/metrics"
	"github.com/carelink-ng/referral/internal/shared/types"
	"github.com/carelink-ng/referral/internal/shared/validation"
)

// Matcher selects a receiving provider.
type Matcher interface {
	Match(ctx context.Context, req matching.Request) (*registry.Provider, error)
	RecordAssignment(ctx context.Context, provider types.ProviderID, at time.Time) error
}

// ProviderLookup resolves providers for manual dispatch.
type ProviderLookup interface {
	Get(ctx context.Context, id types.ProviderID) (*registry.Provider, error)
}

// Timers arms and disarms case deadlines.
type Timers interface {
	Arm(caseID types.ID, at time.Time)
	Disarm(caseID types.ID)
}

// Publisher receives every committed event. Publishing must not block on
// delivery.
type Publisher interface {
	Publish(ctx context.Context, c *domain.Case, events []domain.CaseEvent) error
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Log       domain.EventLog
	View      domain.CaseView
	Matcher   Matcher
	Providers ProviderLookup
	Tags      domain.TagChecker
	Sealer    privacy.Sealer
	Timers    Timers
	Publisher Publisher
	Clock     clock.Clock
	Policy    domain.DeadlinePolicy
	Logger    zerolog.Logger

	// MatchTimeout bounds one matching call; a timeout counts as no
	// candidate.
	MatchTimeout time.Duration
	// MaxEmergencyRounds is the number of escalation rounds after which an
	// emergency case without candidates goes to manual dispatch.
	MaxEmergencyRounds int
}

// Coordinator is the single writer of case state. Work on one case is
// serialized; different cases proceed in parallel.
type Coordinator struct {
	log       domain.EventLog
	view      domain.CaseView
	matcher   Matcher
	providers ProviderLookup
	tags      domain.TagChecker
	sealer    privacy.Sealer
	timers    Timers
	publisher Publisher
	clock     clock.Clock
	policy    domain.DeadlinePolicy

	matchTimeout time.Duration
	maxRounds    int

	locks  *caseLocks
	logger zerolog.Logger
	tracer trace.Tracer
}

// New creates a coordinator.
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		log:          deps.Log,
		view:         deps.View,
		matcher:      deps.Matcher,
		providers:    deps.Providers,
		tags:         deps.Tags,
		sealer:       deps.Sealer,
		timers:       deps.Timers,
		publisher:    deps.Publisher,
		clock:        deps.Clock,
		policy:       deps.Policy,
		matchTimeout: deps.MatchTimeout,
		maxRounds:    deps.MaxEmergencyRounds,
		locks:        newCaseLocks(),
		logger:       deps.Logger.With().Str("component", "coordinator").Logger(),
		tracer:       otel.Tracer("github.com/carelink-ng/referral/internal/coordination"),
	}
	if c.clock == nil {
		c.clock = clock.System{}
	}
	if c.matchTimeout <= 0 {
		c.matchTimeout = 2 * time.Second
	}
	if c.maxRounds <= 0 {
		c.maxRounds = 2
	}
	if c.policy.Windows == nil {
		c.policy = domain.DefaultDeadlinePolicy()
	}
	return c
}

// Decision is a receiving provider's answer to a match.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Advance moves an accepted case forward or withdraws it.
type Advance struct {
	Event      domain.EventType `json:"event" validate:"required,oneof=started completed cancelled"`
	Note       string           `json:"note,omitempty" validate:"max=4000"`
	ReasonCode string           `json:"reasonCode,omitempty" validate:"max=64"`
}

// --- Operations ---

// SubmitReferral validates and records a referral, then routes it. The
// returned case is projected for the referring provider.
func (co *Coordinator) SubmitReferral(ctx context.Context, req domain.ReferralRequest) (*domain.Case, error) {
	ctx, span := co.tracer.Start(ctx, "coordinator.SubmitReferral")
	defer span.End()

	req.Normalize()
	if err := req.Validate(co.tags); err != nil {
		return nil, err
	}

	now := co.clock.Now()
	req.CreatedAt = now

	sealed, err := co.seal(req.Notes)
	if err != nil {
		return nil, err
	}

	var duplicates []types.ID
	if req.Urgency == domain.UrgencyEmergency {
		ids, err := co.view.OpenEmergencies(ctx, req.ClientID)
		if err != nil {
			co.logger.Warn().Err(err).Msg("duplicate emergency check failed")
		}
		if len(ids) > 0 {
			duplicates = ids
		}
	}

	c, err := domain.NewCase(types.NewID(), req, sealed, duplicates, now, co.policy)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open case")
	}
	span.SetAttributes(attribute.String("case_id", c.ID.String()))

	if err := co.commit(ctx, c, ""); err != nil {
		return nil, err
	}
	metrics.RecordReferralSubmitted(string(req.Urgency), len(duplicates) > 0)
	if len(duplicates) > 0 {
		co.logger.Warn().
			Str("case_id", c.ID.String()).
			Int("open_emergencies", len(duplicates)).
			Msg("client already has open emergency cases")
	}

	routed, err := co.route(ctx, c, false)
	if err != nil {
		return nil, err
	}
	return co.project(routed, req.FromProviderID), nil
}

// GetCase replays the case from the event log and projects it for viewer.
func (co *Coordinator) GetCase(ctx context.Context, caseID types.ID, viewer types.ProviderID) (*domain.Case, error) {
	c, err := co.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return co.project(c, viewer), nil
}

// RespondToMatch records the matched provider's decision. A rejection
// re-routes the case to the next candidate, or escalates it when none is
// left.
func (co *Coordinator) RespondToMatch(ctx context.Context, caseID types.ID, provider types.ProviderID, decision Decision, reasonCode string) (*domain.Case, error) {
	ctx, span := co.tracer.Start(ctx, "coordinator.RespondToMatch", trace.WithAttributes(
		attribute.String("case_id", caseID.String()),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	if decision != DecisionAccept && decision != DecisionReject {
		return nil, apperrors.InvalidRequest("decision must be accept or reject", map[string]string{"decision": string(decision)})
	}

	c, err := co.transition(ctx, caseID, func(c *domain.Case, now time.Time) error {
		if decision == DecisionAccept {
			return c.Accept(provider, now)
		}
		return c.Reject(provider, reasonCode, now)
	})
	if err != nil {
		return nil, err
	}

	if decision == DecisionReject {
		if c, err = co.route(ctx, c, c.Relaxed()); err != nil {
			return nil, err
		}
	}
	return co.project(c, provider), nil
}

// AdvanceCase applies started, completed or cancelled.
func (co *Coordinator) AdvanceCase(ctx context.Context, caseID types.ID, provider types.ProviderID, adv Advance) (*domain.Case, error) {
	ctx, span := co.tracer.Start(ctx, "coordinator.AdvanceCase", trace.WithAttributes(
		attribute.String("case_id", caseID.String()),
		attribute.String("event", string(adv.Event)),
	))
	defer span.End()

	if err := validation.Struct(adv); err != nil {
		return nil, err
	}

	var apply func(*domain.Case, time.Time) error
	switch adv.Event {
	case domain.EventStarted:
		apply = func(c *domain.Case, now time.Time) error { return c.Start(provider, now) }
	case domain.EventCompleted:
		apply = func(c *domain.Case, now time.Time) error {
			note, err := co.seal(adv.Note)
			if err != nil {
				return err
			}
			return c.Complete(provider, note, now)
		}
	case domain.EventCancelled:
		apply = func(c *domain.Case, now time.Time) error {
			note, err := co.seal(adv.Note)
			if err != nil {
				return err
			}
			return c.Cancel(provider, adv.ReasonCode, note, now)
		}
	default:
		return nil, apperrors.InvalidRequest("event must be started, completed or cancelled", map[string]string{"event": string(adv.Event)})
	}

	c, err := co.transition(ctx, caseID, apply)
	if err != nil {
		return nil, err
	}
	return co.project(c, provider), nil
}

// AssignManually resolves a case waiting for manual dispatch. Role checks
// happen at the API boundary.
func (co *Coordinator) AssignManually(ctx context.Context, caseID types.ID, dispatcher, provider types.ProviderID) (*domain.Case, error) {
	ctx, span := co.tracer.Start(ctx, "coordinator.AssignManually", trace.WithAttributes(
		attribute.String("case_id", caseID.String()),
	))
	defer span.End()

	p, err := co.providers.Get(ctx, provider)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.InvalidRequest("unknown provider", map[string]string{"providerId": provider.String()})
		}
		return nil, err
	}
	if !p.Verified || !p.Active {
		return nil, apperrors.InvalidRequest("provider is not verified and active", map[string]string{"providerId": provider.String()})
	}

	c, err := co.transition(ctx, caseID, func(c *domain.Case, now time.Time) error {
		return c.AssignManually(provider, dispatcher, now)
	})
	if err != nil {
		return nil, err
	}
	return co.project(c, dispatcher), nil
}

// ListCasesForProvider returns cases the provider referred or currently
// holds, projected for viewer.
func (co *Coordinator) ListCasesForProvider(ctx context.Context, providerID types.ProviderID, filter domain.ListFilter, viewer types.ProviderID) ([]*domain.Case, error) {
	if filter.State != nil && !filter.State.Valid() {
		return nil, apperrors.InvalidRequest("unknown state", map[string]string{"state": string(*filter.State)})
	}
	cases, err := co.view.ListForProvider(ctx, providerID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Case, len(cases))
	for i := range cases {
		out[i] = co.project(&cases[i], viewer)
	}
	return out, nil
}

// HandleDeadline is called by the scheduler when a case deadline passes.
// It acts on the case's current deadline: when that is still ahead, as for
// a stale or early fire, the case is re-armed and nothing else happens. A
// retried fire after an error therefore handles the deadline that failed.
func (co *Coordinator) HandleDeadline(ctx context.Context, caseID types.ID, deadlineAt time.Time) error {
	ctx, span := co.tracer.Start(ctx, "coordinator.HandleDeadline", trace.WithAttributes(
		attribute.String("case_id", caseID.String()),
	))
	defer span.End()

	unlock := co.locks.Lock(caseID)
	c, err := co.load(ctx, caseID)
	if err != nil {
		unlock()
		return err
	}

	now := co.clock.Now()
	switch {
	case c.State.IsTerminal() || c.DeadlineAt == nil:
		unlock()
		return nil
	case now.Before(*c.DeadlineAt):
		co.timers.Arm(c.ID, *c.DeadlineAt)
		unlock()
		return nil
	}
	if !c.DeadlineAt.Equal(deadlineAt) {
		co.logger.Debug().
			Str("case_id", c.ID.String()).
			Time("fired_at", deadlineAt).
			Time("deadline_at", *c.DeadlineAt).
			Msg("handling current deadline of case")
	}

	switch c.State {
	case domain.StateAccepted, domain.StateInProgress:
		defer unlock()
		from := c.State
		if err := c.MarkOverdue(now); err != nil {
			return err
		}
		return co.commit(ctx, c, from)
	case domain.StateMatched:
		unlock()
		_, err := co.escalateTimeout(ctx, c)
		return err
	default:
		unlock()
		_, err := co.route(ctx, c, true)
		return err
	}
}

// --- Routing ---

// route matches snapshot outside the case lock and applies the result only
// if the case has not moved in the meantime.
func (co *Coordinator) route(ctx context.Context, snapshot *domain.Case, relaxed bool) (*domain.Case, error) {
	if !snapshot.Routable() {
		return snapshot, nil
	}
	relaxed = relaxed || snapshot.Relaxed()
	candidate := co.findCandidate(ctx, snapshot, relaxed, nil)

	return co.applyIfUnchanged(ctx, snapshot, func(c *domain.Case, now time.Time) error {
		if candidate != nil {
			return c.Match(candidate.ID, relaxed, now)
		}
		return c.Escalate(domain.ReasonNoCandidate, "", co.capReached(c), now)
	})
}

// escalateTimeout handles an unanswered match: the silent provider is
// excluded and the case is offered to the next candidate under relaxed
// filters, all in one commit. An emergency that reaches the round cap goes
// to manual dispatch even when candidates remain.
func (co *Coordinator) escalateTimeout(ctx context.Context, snapshot *domain.Case) (*domain.Case, error) {
	silent := snapshot.CurrentAssignee()
	var candidate *registry.Provider
	if !co.capReached(snapshot) {
		candidate = co.findCandidate(ctx, snapshot, true, []types.ProviderID{silent})
	}

	return co.applyIfUnchanged(ctx, snapshot, func(c *domain.Case, now time.Time) error {
		manual := co.capReached(c)
		if err := c.Escalate(domain.ReasonAckTimeout, silent, manual, now); err != nil {
			return err
		}
		if manual || candidate == nil {
			return nil
		}
		return c.Match(candidate.ID, true, now)
	})
}

// capReached reports whether the next escalation round of c hits the
// emergency manual-dispatch cap.
func (co *Coordinator) capReached(c *domain.Case) bool {
	return c.Urgency == domain.UrgencyEmergency && c.EscalationRounds+1 >= co.maxRounds
}

func (co *Coordinator) applyIfUnchanged(ctx context.Context, snapshot *domain.Case, apply func(*domain.Case, time.Time) error) (*domain.Case, error) {
	unlock := co.locks.Lock(snapshot.ID)
	defer unlock()

	c, err := co.load(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if c.Version != snapshot.Version || c.State.IsTerminal() {
		co.logger.Debug().
			Str("case_id", c.ID.String()).
			Int("snapshot_version", snapshot.Version).
			Int("version", c.Version).
			Str("state", string(c.State)).
			Msg("discarding routing result for a case that moved")
		return c, nil
	}

	from := c.State
	if err := apply(c, co.clock.Now()); err != nil {
		return nil, err
	}
	if err := co.commit(ctx, c, from); err != nil {
		return nil, err
	}
	return c, nil
}

// findCandidate runs the matching engine with a bounded wait. The referring
// provider is never a candidate. Errors and timeouts count as no candidate.
func (co *Coordinator) findCandidate(ctx context.Context, c *domain.Case, relaxed bool, alsoExclude []types.ProviderID) *registry.Provider {
	req := matching.Request{
		ServiceType: c.ServiceType,
		Tags:        c.Tags,
		Language:    c.Language,
		Emergency:   c.Urgency == domain.UrgencyEmergency,
		Excluding:   append(append([]types.ProviderID{c.FromProviderID}, c.ExcludedProviders...), alsoExclude...),
		Relaxed:     relaxed,
		At:          co.clock.Now(),
	}

	mctx, cancel := context.WithTimeout(ctx, co.matchTimeout)
	defer cancel()

	type result struct {
		provider *registry.Provider
		err      error
	}
	done := make(chan result, 1)
	go func() {
		p, err := co.matcher.Match(mctx, req)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			co.logger.Error().Err(r.err).Str("case_id", c.ID.String()).Msg("matching failed")
			return nil
		}
		return r.provider
	case <-mctx.Done():
		if errors.Is(mctx.Err(), context.DeadlineExceeded) {
			metrics.RecordMatchingTimeout()
		}
		co.logger.Warn().
			Str("case_id", c.ID.String()).
			Dur("timeout", co.matchTimeout).
			Msg("matching timed out, treating as no candidate")
		return nil
	}
}

// --- Persistence ---

// transition loads a case under its lock, applies fn and commits.
func (co *Coordinator) transition(ctx context.Context, caseID types.ID, fn func(*domain.Case, time.Time) error) (*domain.Case, error) {
	unlock := co.locks.Lock(caseID)
	defer unlock()

	c, err := co.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	from := c.State
	if err := fn(c, co.clock.Now()); err != nil {
		return nil, err
	}
	if err := co.commit(ctx, c, from); err != nil {
		return nil, err
	}
	return c, nil
}

func (co *Coordinator) load(ctx context.Context, caseID types.ID) (*domain.Case, error) {
	events, err := co.log.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.NotFound("case", caseID.String())
	}
	return domain.Replay(events, co.policy)
}

// commit appends pending events and then updates the view, the timers and
// the notification stream. Only the append can fail the operation.
func (co *Coordinator) commit(ctx context.Context, c *domain.Case, from domain.State) error {
	events := c.PendingEvents()
	if len(events) == 0 {
		return nil
	}
	if err := co.log.Append(ctx, c.ID, c.BaseVersion(), events); err != nil {
		return err
	}
	c.ClearPendingEvents()

	if err := co.view.Upsert(ctx, c); err != nil {
		co.logger.Error().Err(err).Str("case_id", c.ID.String()).Msg("failed to update case view")
	}

	if c.DeadlineAt != nil {
		co.timers.Arm(c.ID, *c.DeadlineAt)
	} else {
		co.timers.Disarm(c.ID)
	}

	if co.publisher != nil {
		if err := co.publisher.Publish(ctx, c, events); err != nil {
			co.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("failed to enqueue case events")
		}
	}

	if from != c.State {
		fromLabel := string(from)
		if fromLabel == "" {
			fromLabel = "new"
		}
		metrics.RecordCaseTransition(fromLabel, string(c.State))
	}
	for _, e := range events {
		switch e.Type {
		case domain.EventMatched, domain.EventReassigned:
			if err := co.matcher.RecordAssignment(ctx, e.Payload.ToProviderID, e.Timestamp); err != nil {
				co.logger.Warn().Err(err).Str("provider_id", e.Payload.ToProviderID.String()).Msg("failed to record provider load")
			}
		case domain.EventEscalated:
			metrics.RecordEscalation(e.Payload.ReasonCode, string(c.Urgency), e.Payload.Manual)
			event := co.logger.Warn()
			if e.Payload.Manual {
				event = co.logger.Error()
			}
			event.Str("case_id", c.ID.String()).
				Str("reason", e.Payload.ReasonCode).
				Int("round", e.Payload.Round).
				Bool("manual_dispatch", e.Payload.Manual).
				Msg("case escalated")
		}
	}

	co.logger.Info().
		Str("case_id", c.ID.String()).
		Str("state", string(c.State)).
		Int("version", c.Version).
		Msg("case updated")
	return nil
}

// --- Confidentiality ---

func (co *Coordinator) seal(note string) (string, error) {
	if note == "" || co.sealer == nil {
		return note, nil
	}
	sealed, err := co.sealer.Seal(note)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to seal note")
	}
	return sealed, nil
}

func (co *Coordinator) project(c *domain.Case, viewer types.ProviderID) *domain.Case {
	var open domain.NoteOpener
	if co.sealer != nil {
		open = func(v string) (string, error) {
			if !privacy.IsSealed(v) {
				return v, nil
			}
			return co.sealer.Open(v)
		}
	}
	return c.ProjectFor(viewer, open)
}
