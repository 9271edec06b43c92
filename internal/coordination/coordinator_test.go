package coordination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-ng/referral/internal/eventstore"
	"github.com/carelink-ng/referral/internal/matching"
	"github.com/carelink-ng/referral/internal/privacy"
	"github.com/carelink-ng/referral/internal/referral/domain"
	"github.com/carelink-ng/referral/internal/referral/infrastructure"
	"github.com/carelink-ng/referral/internal/registry"
	"github.com/carelink-ng/referral/internal/shared/clock"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func legalProvider(id string, rating float64) registry.Provider {
	return registry.Provider{
		ID:              types.ProviderID(id),
		Name:            id,
		Category:        registry.CategoryLegal,
		Specializations: []types.Tag{"legal-aid"},
		Languages:       []types.LanguageCode{"en"},
		OperatingWindow: registry.OperatingWindow{Always: true},
		Verified:        true,
		Active:          true,
		Rating:          rating,
	}
}

type harness struct {
	co     *Coordinator
	clock  *clock.Fake
	sched  *EscalationScheduler
	log    *infrastructure.EventLog
	view   *infrastructure.MemoryView
	reg    *registry.MemoryRegistry
	engine *matching.Engine
	pub    *recordingPublisher
}

type harnessOption func(*Deps)

func withMatcher(m Matcher) harnessOption {
	return func(d *Deps) { d.Matcher = m }
}

func withPublisher(p Publisher) harnessOption {
	return func(d *Deps) { d.Publisher = p }
}

func withLog(wrap func(domain.EventLog) domain.EventLog) harnessOption {
	return func(d *Deps) { d.Log = wrap(d.Log) }
}

func withSealer(sealer privacy.Sealer) harnessOption {
	return func(d *Deps) { d.Sealer = sealer }
}

func withMatchTimeout(timeout time.Duration) harnessOption {
	return func(d *Deps) { d.MatchTimeout = timeout }
}

func newHarness(t *testing.T, providers []registry.Provider, opts ...harnessOption) *harness {
	t.Helper()

	clk := clock.NewFake(t0)
	reg := registry.NewMemoryRegistry(providers...)
	loads := matching.NewMemoryLoadTracker(clk.Now, zerolog.Nop())
	engine := matching.NewEngine(reg, loads, zerolog.Nop())
	sealer, err := privacy.NewAESSealerFromPassphrase("test-notes-key")
	require.NoError(t, err)

	h := &harness{
		clock:  clk,
		sched:  NewEscalationScheduler(clk, time.Second, zerolog.Nop()),
		log:    infrastructure.NewEventLog(eventstore.NewMemoryStore()),
		view:   infrastructure.NewMemoryView(),
		reg:    reg,
		engine: engine,
		pub:    &recordingPublisher{},
	}

	deps := Deps{
		Log:                h.log,
		View:               h.view,
		Matcher:            engine,
		Providers:          reg,
		Tags:               registry.NewTaxonomy().Known,
		Sealer:             sealer,
		Timers:             h.sched,
		Publisher:          h.pub,
		Clock:              clk,
		Policy:             domain.DefaultDeadlinePolicy(),
		Logger:             zerolog.Nop(),
		MatchTimeout:       time.Second,
		MaxEmergencyRounds: 2,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.co = New(deps)
	h.sched.SetHandler(h.co)
	return h
}

// fire advances the clock by d and runs every deadline that became due.
func (h *harness) fire(d time.Duration) int {
	now := h.clock.Advance(d)
	return h.sched.RunDue(context.Background(), now)
}

// raw replays the case without any projection.
func (h *harness) raw(t *testing.T, id types.ID) *domain.Case {
	t.Helper()
	events, err := h.log.Load(context.Background(), id)
	require.NoError(t, err)
	c, err := domain.Replay(events, domain.DefaultDeadlinePolicy())
	require.NoError(t, err)
	return c
}

func referral(urgency domain.Urgency) domain.ReferralRequest {
	return domain.ReferralRequest{
		FromProviderID: "WRAPA-01",
		ClientID:       "client-4411",
		ServiceType:    "legal-aid",
		Language:       "en",
		Urgency:        urgency,
		Notes:          "survivor requests protection order support",
	}
}

func eventTypes(c *domain.Case) []domain.EventType {
	out := make([]domain.EventType, len(c.History))
	for i, e := range c.History {
		out[i] = e.Type
	}
	return out
}

func countEvents(c *domain.Case, eventType domain.EventType) int {
	n := 0
	for _, e := range c.History {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.CaseEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ *domain.Case, events []domain.CaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// flakyLog fails the next n loads, then behaves like the wrapped log.
type flakyLog struct {
	domain.EventLog
	failures atomic.Int32
}

func (l *flakyLog) Load(ctx context.Context, caseID types.ID) ([]domain.CaseEvent, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("event store unavailable")
	}
	return l.EventLog.Load(ctx, caseID)
}

type failingSealer struct{ privacy.Sealer }

func (failingSealer) Seal(string) (string, error) {
	return "", errors.New("key unavailable")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *domain.Case, []domain.CaseEvent) error {
	return errors.New("broker unavailable")
}

// gatedMatcher blocks every match until release is closed.
type gatedMatcher struct {
	inner   Matcher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedMatcher(inner Matcher) *gatedMatcher {
	return &gatedMatcher{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *gatedMatcher) Match(ctx context.Context, req matching.Request) (*registry.Provider, error) {
	m.once.Do(func() { close(m.entered) })
	select {
	case <-m.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.inner.Match(ctx, req)
}

func (m *gatedMatcher) RecordAssignment(ctx context.Context, provider types.ProviderID, at time.Time) error {
	return m.inner.RecordAssignment(ctx, provider, at)
}

type stuckMatcher struct{}

func (stuckMatcher) Match(ctx context.Context, _ matching.Request) (*registry.Provider, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stuckMatcher) RecordAssignment(context.Context, types.ProviderID, time.Time) error { return nil }

func TestReferralLifecycle(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	assert.Equal(t, domain.StateMatched, c.State)
	require.NotNil(t, c.ToProviderID)
	assert.Equal(t, types.ProviderID("LegalAid-07"), *c.ToProviderID)
	assert.Equal(t, "survivor requests protection order support", c.Notes)

	h.clock.Advance(10 * time.Minute)
	c, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, c.State)

	c, err = h.co.AdvanceCase(ctx, c.ID, "LegalAid-07", Advance{Event: domain.EventStarted})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, c.State)

	c, err = h.co.AdvanceCase(ctx, c.ID, "LegalAid-07", Advance{Event: domain.EventCompleted, Note: "protection order filed"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, c.State)
	assert.Equal(t, "protection order filed", c.OutcomeNote)
	assert.Nil(t, c.DeadlineAt)

	assert.Equal(t, []domain.EventType{
		domain.EventCreated,
		domain.EventMatched,
		domain.EventAccepted,
		domain.EventStarted,
		domain.EventCompleted,
	}, eventTypes(c))
	assert.Empty(t, h.sched.Active())
	assert.Equal(t, 5, h.pub.count())

	stored, err := h.view.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	assert.Equal(t, 5, stored.Version)
}

func TestSubmitSealsNotesInLog(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyMedium))
	require.NoError(t, err)

	raw := h.raw(t, c.ID)
	assert.True(t, privacy.IsSealed(raw.Notes))
	assert.NotContains(t, raw.Notes, "protection order")
}

func TestSubmitRejectsInvalidReferral(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := referral(domain.UrgencyHigh)
	req.Urgency = "critical"
	_, err := h.co.SubmitReferral(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	req = referral(domain.UrgencyHigh)
	req.Tags = []types.Tag{"astrology"}
	_, err = h.co.SubmitReferral(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	ids, err := h.log.CaseIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubmitWithoutCandidateEscalates(t *testing.T) {
	h := newHarness(t, nil)

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyHigh))
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, 1, c.EscalationRounds)
	assert.False(t, c.ManualDispatch)
	require.NotNil(t, c.DeadlineAt)
	assert.True(t, t0.Add(2*time.Hour).Equal(*c.DeadlineAt))

	last := c.History[len(c.History)-1]
	assert.Equal(t, domain.ReasonNoCandidate, last.Payload.ReasonCode)
}

func TestRejectReroutesToNextCandidate(t *testing.T) {
	h := newHarness(t, []registry.Provider{
		legalProvider("LegalAid-07", 4.8),
		legalProvider("LegalAid-12", 4.1),
	})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	require.Equal(t, types.ProviderID("LegalAid-07"), *c.ToProviderID)

	c, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionReject, "no_capacity")
	require.NoError(t, err)
	assert.Equal(t, domain.StateMatched, c.State)
	assert.Equal(t, types.ProviderID("LegalAid-12"), *c.ToProviderID)
	assert.Equal(t, []types.ProviderID{"LegalAid-07"}, c.ExcludedProviders)
	assert.Equal(t, []domain.EventType{
		domain.EventCreated,
		domain.EventMatched,
		domain.EventRejected,
		domain.EventReassigned,
	}, eventTypes(c))

	c, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-12", DecisionReject, "out_of_area")
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.ElementsMatch(t, []types.ProviderID{"LegalAid-07", "LegalAid-12"}, c.ExcludedProviders)
}

func TestExcludedProvidersOnlyGrow(t *testing.T) {
	providers := []registry.Provider{
		legalProvider("A", 5),
		legalProvider("B", 4),
		legalProvider("C", 3),
	}
	h := newHarness(t, providers)
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyLow))
	require.NoError(t, err)

	var previous []types.ProviderID
	for c.State == domain.StateMatched {
		assignee := *c.ToProviderID
		assert.NotContains(t, previous, assignee)

		c, err = h.co.RespondToMatch(ctx, c.ID, assignee, DecisionReject, "declined")
		require.NoError(t, err)
		require.Greater(t, len(c.ExcludedProviders), len(previous))
		if len(previous) > 0 {
			assert.Equal(t, previous, c.ExcludedProviders[:len(previous)])
		}
		previous = append([]types.ProviderID{}, c.ExcludedProviders...)
	}

	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, []types.ProviderID{"A", "B", "C"}, previous)
}

func TestConcurrentResponsesSerialize(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionAccept
			if i%2 == 1 {
				decision = DecisionReject
			}
			_, errs[i] = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", decision, "busy")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	}
	assert.Equal(t, 1, succeeded)

	final := h.raw(t, c.ID)
	assert.Equal(t, 1, countEvents(final, domain.EventAccepted)+countEvents(final, domain.EventRejected))
	assert.Equal(t, 0, h.co.locks.size())
}

func TestRespondValidation(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)

	_, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", Decision("maybe"), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = h.co.RespondToMatch(ctx, c.ID, "SARC-Abuja", DecisionAccept, "")
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)

	_, err = h.co.RespondToMatch(ctx, types.NewID(), "LegalAid-07", DecisionAccept, "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEmergencyAckDeadline(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	require.Equal(t, domain.StateMatched, c.State)
	require.NotNil(t, c.DeadlineAt)
	assert.True(t, t0.Add(5*time.Minute).Equal(*c.DeadlineAt))

	next, ok := h.sched.Next()
	require.True(t, ok)
	assert.Equal(t, c.ID, next.CaseID)
	assert.True(t, t0.Add(5*time.Minute).Equal(next.DeadlineAt))

	assert.Equal(t, 0, h.fire(4*time.Minute+59*time.Second))
	assert.Equal(t, domain.StateMatched, h.raw(t, c.ID).State)
}

func TestAckTimeoutReassignsWithRelaxedFilters(t *testing.T) {
	h := newHarness(t, []registry.Provider{
		legalProvider("LegalAid-07", 4.8),
		func() registry.Provider {
			p := legalProvider("HausaLegal-02", 3.9)
			p.Languages = []types.LanguageCode{"ha"}
			return p
		}(),
	})

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyHigh))
	require.NoError(t, err)
	require.Equal(t, types.ProviderID("LegalAid-07"), *c.ToProviderID)

	assert.Equal(t, 1, h.fire(2*time.Hour))

	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateMatched, c.State)
	assert.Equal(t, types.ProviderID("HausaLegal-02"), *c.ToProviderID)
	assert.Equal(t, 1, c.EscalationRounds)
	assert.Equal(t, []types.ProviderID{"LegalAid-07"}, c.ExcludedProviders)

	escalated := c.History[2]
	assert.Equal(t, domain.EventEscalated, escalated.Type)
	assert.Equal(t, domain.ReasonAckTimeout, escalated.Payload.ReasonCode)
	assert.Equal(t, types.ProviderID("LegalAid-07"), escalated.Payload.ExcludedProviderID)

	reassigned := c.History[3]
	assert.Equal(t, domain.EventReassigned, reassigned.Type)
	assert.True(t, reassigned.Payload.Relaxed)
	assert.Equal(t, escalated.Timestamp, reassigned.Timestamp)
}

func TestEmergencyEscalationCapFlagsManualDispatch(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	require.Equal(t, domain.StateMatched, c.State)

	// Round 1: the only provider stays silent.
	assert.Equal(t, 1, h.fire(5*time.Minute))
	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, 1, c.EscalationRounds)
	assert.False(t, c.ManualDispatch)
	require.NotNil(t, c.DeadlineAt)

	// Round 2: still nobody, so the case goes to a dispatcher.
	assert.Equal(t, 1, h.fire(5*time.Minute))
	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, 2, c.EscalationRounds)
	assert.True(t, c.ManualDispatch)
	assert.Nil(t, c.DeadlineAt)
	assert.Equal(t, 2, countEvents(c, domain.EventEscalated))

	// Nothing is armed any more; time passing changes nothing.
	assert.Equal(t, 0, h.fire(time.Hour))
	assert.Equal(t, 2, countEvents(h.raw(t, c.ID), domain.EventEscalated))

	// Only a dispatcher can move the case now.
	_, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)

	require.NoError(t, h.reg.Upsert(ctx, legalProvider("LegalAid-12", 4.0)))
	assigned, err := h.co.AssignManually(ctx, c.ID, "Dispatch-HQ", "LegalAid-12")
	require.NoError(t, err)
	assert.Equal(t, domain.StateMatched, assigned.State)
	assert.False(t, assigned.ManualDispatch)

	last := assigned.History[len(assigned.History)-1]
	assert.Equal(t, domain.EventReassigned, last.Type)
	assert.True(t, last.Payload.Manual)
	assert.Equal(t, types.ProviderID("Dispatch-HQ"), last.ActorProviderID)
}

func TestEmergencyCapAppliesWhileCandidatesRemain(t *testing.T) {
	h := newHarness(t, []registry.Provider{
		legalProvider("LegalAid-01", 4.9),
		legalProvider("LegalAid-02", 4.7),
		legalProvider("LegalAid-03", 4.5),
		legalProvider("LegalAid-04", 4.3),
		legalProvider("LegalAid-05", 4.1),
	})

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	require.Equal(t, domain.StateMatched, c.State)
	first := *c.ToProviderID

	// Round 1: the first provider is silent and the next one is offered.
	assert.Equal(t, 1, h.fire(5*time.Minute))
	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateMatched, c.State)
	assert.NotEqual(t, first, *c.ToProviderID)
	assert.Equal(t, 1, c.EscalationRounds)
	second := *c.ToProviderID

	// Round 2 reaches the cap: no further offer, a dispatcher takes over.
	assert.Equal(t, 1, h.fire(5*time.Minute))
	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, 2, c.EscalationRounds)
	assert.True(t, c.ManualDispatch)
	assert.Nil(t, c.DeadlineAt)
	assert.Equal(t, []types.ProviderID{first, second}, c.ExcludedProviders)
	assert.Equal(t, second, c.History[len(c.History)-1].Payload.ExcludedProviderID)

	assert.Equal(t, 0, h.fire(time.Hour))
	c = h.raw(t, c.ID)
	assert.Equal(t, 2, countEvents(c, domain.EventEscalated))
	assert.Empty(t, h.sched.Active())
}

func TestDeadlineRetriedAfterLoadFailure(t *testing.T) {
	log := &flakyLog{}
	h := newHarness(t, []registry.Provider{
		legalProvider("LegalAid-07", 4.8),
		legalProvider("LegalAid-12", 4.2),
	}, withLog(func(inner domain.EventLog) domain.EventLog {
		log.EventLog = inner
		return log
	}))

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	require.Equal(t, types.ProviderID("LegalAid-07"), *c.ToProviderID)

	log.failures.Store(1)
	assert.Equal(t, 1, h.fire(5*time.Minute))
	assert.Equal(t, domain.StateMatched, h.raw(t, c.ID).State)

	next, ok := h.sched.Next()
	require.True(t, ok)
	assert.Equal(t, c.ID, next.CaseID)
	assert.True(t, t0.Add(5*time.Minute+time.Second).Equal(next.DeadlineAt))

	assert.Equal(t, 1, h.fire(time.Second))
	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateMatched, c.State)
	assert.Equal(t, types.ProviderID("LegalAid-12"), *c.ToProviderID)
	assert.Equal(t, 1, countEvents(c, domain.EventEscalated))
}

func TestSealFailureIsReported(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	_, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)
	_, err = h.co.AdvanceCase(ctx, c.ID, "LegalAid-07", Advance{Event: domain.EventStarted})
	require.NoError(t, err)

	h.co.sealer = failingSealer{}
	_, err = h.co.AdvanceCase(ctx, c.ID, "LegalAid-07", Advance{Event: domain.EventCompleted, Note: "order granted"})
	require.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "failed to seal note")
	assert.Equal(t, domain.StateInProgress, h.raw(t, c.ID).State)

	failing := newHarness(t, nil, withSealer(failingSealer{}))
	_, err = failing.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.Error(t, err)
	assert.False(t, apperrors.Is(err, apperrors.ErrInvalidRequest))
}

func TestAssignManuallyValidation(t *testing.T) {
	inactive := legalProvider("Dormant-01", 5)
	inactive.Active = false
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5), inactive})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)

	_, err = h.co.AssignManually(ctx, c.ID, "Dispatch-HQ", "LegalAid-07")
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)

	_, err = h.co.AssignManually(ctx, c.ID, "Dispatch-HQ", "Nobody-99")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = h.co.AssignManually(ctx, c.ID, "Dispatch-HQ", "Dormant-01")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestPhaseDeadlineMarksOverdue(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	c, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)
	require.NotNil(t, c.DeadlineAt)
	assert.True(t, t0.Add(24*time.Hour).Equal(*c.DeadlineAt))

	assert.Equal(t, 1, h.fire(24*time.Hour))

	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateAccepted, c.State)
	assert.True(t, c.Overdue)
	assert.Nil(t, c.DeadlineAt)
	assert.Empty(t, h.sched.Active())

	c, err = h.co.AdvanceCase(ctx, c.ID, "LegalAid-07", Advance{Event: domain.EventStarted})
	require.NoError(t, err)
	assert.False(t, c.Overdue)
	require.NotNil(t, c.DeadlineAt)
}

func TestStaleDeadlineIsIgnored(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	deadline := *c.DeadlineAt

	_, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.co.HandleDeadline(ctx, c.ID, deadline))

	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateAccepted, c.State)
	assert.Zero(t, countEvents(c, domain.EventEscalated))
	assert.False(t, c.Overdue)
}

func TestEarlyDeadlineIsRearmed(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	h.sched.Disarm(c.ID)

	require.NoError(t, h.co.HandleDeadline(ctx, c.ID, *c.DeadlineAt))
	assert.Equal(t, domain.StateMatched, h.raw(t, c.ID).State)

	next, ok := h.sched.Next()
	require.True(t, ok)
	assert.True(t, c.DeadlineAt.Equal(next.DeadlineAt))
}

func TestCancelDuringMatchingDiscardsResult(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)}, withMatchTimeout(5*time.Second))
	gate := newGatedMatcher(h.engine)
	h.co.matcher = gate
	ctx := context.Background()

	type submitResult struct {
		c   *domain.Case
		err error
	}
	done := make(chan submitResult, 1)
	go func() {
		c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
		done <- submitResult{c, err}
	}()

	<-gate.entered
	open, err := h.view.ListForProvider(ctx, "WRAPA-01", domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	caseID := open[0].ID

	_, err = h.co.AdvanceCase(ctx, caseID, "WRAPA-01", Advance{
		Event:      domain.EventCancelled,
		ReasonCode: "client_withdrew",
	})
	require.NoError(t, err)
	close(gate.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.StateCancelled, res.c.State)

	c := h.raw(t, caseID)
	assert.Equal(t, []domain.EventType{domain.EventCreated, domain.EventCancelled}, eventTypes(c))
	assert.Nil(t, c.ToProviderID)
	assert.Empty(t, h.sched.Active())
}

func TestMatchTimeoutCountsAsNoCandidate(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)},
		withMatcher(stuckMatcher{}),
		withMatchTimeout(20*time.Millisecond),
	)

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyHigh))
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, domain.ReasonNoCandidate, c.History[len(c.History)-1].Payload.ReasonCode)
}

func TestPublisherFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)}, withPublisher(failingPublisher{}))
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	c, err = h.co.RespondToMatch(ctx, c.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, c.State)
	assert.Equal(t, 3, h.raw(t, c.ID).Version)
}

func TestDuplicateEmergencyIsFlagged(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	first, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	assert.Empty(t, first.DuplicateOf)

	second, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)
	assert.Equal(t, []types.ID{first.ID}, second.DuplicateOf)
	assert.Equal(t, domain.StateMatched, second.State)

	other := referral(domain.UrgencyEmergency)
	other.ClientID = "client-9000"
	third, err := h.co.SubmitReferral(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, third.DuplicateOf)
}

func TestGetCaseRedactsForNonParties(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)

	forReceiver, err := h.co.GetCase(ctx, c.ID, "LegalAid-07")
	require.NoError(t, err)
	assert.Equal(t, "client-4411", forReceiver.ClientID)
	assert.Equal(t, "survivor requests protection order support", forReceiver.Notes)

	forOutsider, err := h.co.GetCase(ctx, c.ID, "NPF-GenderDesk-FCT")
	require.NoError(t, err)
	assert.Equal(t, privacy.Redacted, forOutsider.ClientID)
	assert.Equal(t, privacy.Redacted, forOutsider.Notes)
	assert.Equal(t, privacy.Redacted, forOutsider.History[0].Payload.ClientID)
	assert.Equal(t, domain.StateMatched, forOutsider.State)

	_, err = h.co.GetCase(ctx, types.NewID(), "WRAPA-01")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListCasesForProvider(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	a, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyHigh))
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	b, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyLow))
	require.NoError(t, err)
	_, err = h.co.RespondToMatch(ctx, b.ID, "LegalAid-07", DecisionAccept, "")
	require.NoError(t, err)

	all, err := h.co.ListCasesForProvider(ctx, "LegalAid-07", domain.ListFilter{}, "LegalAid-07")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID)
	assert.Equal(t, a.ID, all[1].ID)

	accepted := domain.StateAccepted
	filtered, err := h.co.ListCasesForProvider(ctx, "LegalAid-07", domain.ListFilter{State: &accepted}, "LegalAid-07")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, b.ID, filtered[0].ID)

	bogus := domain.State("lost")
	_, err = h.co.ListCasesForProvider(ctx, "LegalAid-07", domain.ListFilter{State: &bogus}, "LegalAid-07")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestReconcileFiresMissedDeadlines(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("LegalAid-07", 4.5)})
	ctx := context.Background()

	c, err := h.co.SubmitReferral(ctx, referral(domain.UrgencyEmergency))
	require.NoError(t, err)

	// A fresh process: new scheduler and coordinator over the same storage.
	h.clock.Advance(6 * time.Minute)
	restarted := NewEscalationScheduler(h.clock, time.Second, zerolog.Nop())
	co := New(Deps{
		Log:                h.log,
		View:               h.view,
		Matcher:            h.engine,
		Providers:          h.reg,
		Tags:               registry.NewTaxonomy().Known,
		Timers:             restarted,
		Clock:              h.clock,
		Policy:             domain.DefaultDeadlinePolicy(),
		Logger:             zerolog.Nop(),
		MaxEmergencyRounds: 2,
	})
	restarted.SetHandler(co)

	result, err := restarted.Reconcile(ctx, h.view)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Armed: 1, Missed: 1}, result)

	c = h.raw(t, c.ID)
	assert.Equal(t, domain.StateEscalated, c.State)
	assert.Equal(t, domain.ReasonAckTimeout, c.History[2].Payload.ReasonCode)

	active := restarted.Active()
	require.Len(t, active, 1)
	assert.Equal(t, c.ID, active[0].CaseID)
}

func TestSubmitNeverMatchesReferrer(t *testing.T) {
	h := newHarness(t, []registry.Provider{legalProvider("WRAPA-01", 5), legalProvider("LegalAid-07", 3)})

	c, err := h.co.SubmitReferral(context.Background(), referral(domain.UrgencyHigh))
	require.NoError(t, err)
	require.NotNil(t, c.ToProviderID)
	assert.Equal(t, types.ProviderID("LegalAid-07"), *c.ToProviderID)

	alone := newHarness(t, []registry.Provider{legalProvider("WRAPA-01", 5)})
	c, err = alone.co.SubmitReferral(context.Background(), referral(domain.UrgencyHigh))
	require.NoError(t, err)
	assert.Equal(t, domain.StateEscalated, c.State)
}
