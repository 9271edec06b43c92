package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestCase(t *testing.T, urgency Urgency) *Case {
	t.Helper()
	req := ReferralRequest{
		FromProviderID: "WRAPA-01",
		ClientID:       "client-7f3a",
		ServiceType:    "legal-aid",
		Tags:           []types.Tag{"shelter", "legal-aid"},
		Language:       "ha",
		Urgency:        urgency,
	}
	c, err := NewCase(types.NewID(), req, "sealed-notes", nil, t0, DefaultDeadlinePolicy())
	require.NoError(t, err)
	return c
}

func TestNewCase(t *testing.T) {
	c := newTestCase(t, UrgencyHigh)

	assert.Equal(t, StatePending, c.State)
	assert.Nil(t, c.ToProviderID)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, 0, c.BaseVersion())
	assert.Equal(t, []types.Tag{"legal-aid", "shelter"}, c.Tags)
	require.Len(t, c.PendingEvents(), 1)
	assert.Equal(t, EventCreated, c.History[0].Type)
	assert.Equal(t, types.ProviderID("WRAPA-01"), c.History[0].ActorProviderID)

	require.NotNil(t, c.DeadlineAt)
	assert.Equal(t, t0.Add(2*time.Hour), *c.DeadlineAt)
}

func TestHappyPath(t *testing.T) {
	c := newTestCase(t, UrgencyHigh)

	require.NoError(t, c.Match("LegalAid-07", false, t0.Add(time.Second)))
	require.NoError(t, c.Accept("LegalAid-07", t0.Add(time.Minute)))
	require.NoError(t, c.Start("LegalAid-07", t0.Add(time.Hour)))
	require.NoError(t, c.Complete("LegalAid-07", "safe house secured", t0.Add(2*time.Hour)))

	assert.Equal(t, StateCompleted, c.State)
	assert.Nil(t, c.DeadlineAt)
	assert.Equal(t, "safe house secured", c.OutcomeNote)

	var got []EventType
	for _, e := range c.History {
		got = append(got, e.Type)
	}
	assert.Equal(t, []EventType{EventCreated, EventMatched, EventAccepted, EventStarted, EventCompleted}, got)
}

func TestAcceptRequiresAssignee(t *testing.T) {
	c := newTestCase(t, UrgencyHigh)
	require.NoError(t, c.Match("LegalAid-07", false, t0))

	err := c.Accept("Other-01", t0)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStateConflict))

	require.NoError(t, c.Accept("LegalAid-07", t0))
	err = c.Accept("LegalAid-07", t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrStateConflict))
}

func TestRejectExcludesAndReassigns(t *testing.T) {
	c := newTestCase(t, UrgencyMedium)
	require.NoError(t, c.Match("A", false, t0))
	require.NoError(t, c.Reject("A", "no_capacity", t0.Add(time.Minute)))

	assert.Equal(t, StateRejected, c.State)
	assert.True(t, c.IsExcluded("A"))
	assert.True(t, c.Routable())

	assert.Error(t, c.Match("A", false, t0.Add(2*time.Minute)))
	require.NoError(t, c.Match("B", false, t0.Add(2*time.Minute)))
	assert.Equal(t, EventReassigned, c.History[len(c.History)-1].Type)
	assert.Equal(t, types.ProviderID("B"), c.CurrentAssignee())
}

func TestEscalationRounds(t *testing.T) {
	c := newTestCase(t, UrgencyEmergency)
	require.NoError(t, c.Match("A", false, t0))
	require.NoError(t, c.Escalate(ReasonAckTimeout, "A", false, t0.Add(5*time.Minute)))

	assert.Equal(t, StateEscalated, c.State)
	assert.Equal(t, 1, c.EscalationRounds)
	assert.True(t, c.Relaxed())
	assert.True(t, c.IsExcluded("A"))
	require.NotNil(t, c.DeadlineAt)

	require.NoError(t, c.Escalate(ReasonNoCandidate, "", true, t0.Add(10*time.Minute)))
	assert.Equal(t, 2, c.EscalationRounds)
	assert.True(t, c.ManualDispatch)
	assert.Nil(t, c.DeadlineAt)
	assert.False(t, c.Routable())

	err := c.Escalate(ReasonNoCandidate, "", true, t0.Add(15*time.Minute))
	assert.True(t, apperrors.Is(err, apperrors.ErrStateConflict))
	assert.True(t, apperrors.Is(c.Match("B", true, t0), apperrors.ErrStateConflict))
}

func TestAssignManually(t *testing.T) {
	c := newTestCase(t, UrgencyEmergency)
	require.NoError(t, c.Match("A", false, t0))
	require.NoError(t, c.Escalate(ReasonAckTimeout, "A", false, t0))
	require.NoError(t, c.Escalate(ReasonNoCandidate, "", true, t0))

	err := c.AssignManually("A", "HQ", t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	require.NoError(t, c.AssignManually("B", "HQ", t0.Add(time.Minute)))
	assert.Equal(t, StateMatched, c.State)
	assert.False(t, c.ManualDispatch)
	last := c.History[len(c.History)-1]
	assert.Equal(t, EventReassigned, last.Type)
	assert.Equal(t, types.ProviderID("HQ"), last.ActorProviderID)
	assert.True(t, last.Payload.Manual)
}

func TestCancel(t *testing.T) {
	t.Run("only referrer", func(t *testing.T) {
		c := newTestCase(t, UrgencyLow)
		err := c.Cancel("LegalAid-07", "withdrawn", "", t0)
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "FORBIDDEN", appErr.Code)
	})

	t.Run("reason required", func(t *testing.T) {
		c := newTestCase(t, UrgencyLow)
		assert.True(t, apperrors.Is(c.Cancel("WRAPA-01", "", "", t0), apperrors.ErrInvalidRequest))
	})

	t.Run("unmatched", func(t *testing.T) {
		c := newTestCase(t, UrgencyLow)
		require.NoError(t, c.Cancel("WRAPA-01", "client_withdrew", "moved away", t0))
		assert.Equal(t, StateCancelled, c.State)
		assert.Nil(t, c.ToProviderID)
		assert.Nil(t, c.DeadlineAt)
		assert.Equal(t, "client_withdrew", c.CancelReason)
	})

	t.Run("terminal", func(t *testing.T) {
		c := newTestCase(t, UrgencyLow)
		require.NoError(t, c.Cancel("WRAPA-01", "duplicate", "", t0))
		assert.True(t, apperrors.Is(c.Cancel("WRAPA-01", "duplicate", "", t0), apperrors.ErrStateConflict))
	})
}

func TestCompleteRequiresOutcome(t *testing.T) {
	c := newTestCase(t, UrgencyHigh)
	require.NoError(t, c.Match("A", false, t0))
	require.NoError(t, c.Accept("A", t0))
	require.NoError(t, c.Start("A", t0))

	assert.True(t, apperrors.Is(c.Complete("A", "", t0), apperrors.ErrInvalidRequest))
}

func TestMarkOverdue(t *testing.T) {
	c := newTestCase(t, UrgencyHigh)
	require.NoError(t, c.Match("A", false, t0))
	require.NoError(t, c.Accept("A", t0))
	lastTransition := c.LastTransitionAt

	require.NoError(t, c.MarkOverdue(t0.Add(25*time.Hour)))
	assert.True(t, c.Overdue)
	assert.Nil(t, c.DeadlineAt)
	assert.Equal(t, StateAccepted, c.State)
	assert.Equal(t, lastTransition, c.LastTransitionAt)

	assert.Error(t, c.MarkOverdue(t0.Add(26*time.Hour)))

	require.NoError(t, c.Start("A", t0.Add(26*time.Hour)))
	assert.False(t, c.Overdue)
	require.NotNil(t, c.DeadlineAt)
	assert.Equal(t, t0.Add(50*time.Hour), *c.DeadlineAt)
}

func TestReplayReproducesLiveCase(t *testing.T) {
	c := newTestCase(t, UrgencyEmergency)
	require.NoError(t, c.Match("A", false, t0.Add(time.Second)))
	require.NoError(t, c.Escalate(ReasonAckTimeout, "A", false, t0.Add(5*time.Minute)))
	require.NoError(t, c.Match("B", true, t0.Add(5*time.Minute)))
	require.NoError(t, c.Reject("B", "out_of_area", t0.Add(6*time.Minute)))
	require.NoError(t, c.Match("C", true, t0.Add(6*time.Minute)))

	replayed, err := Replay(c.History, DefaultDeadlinePolicy())
	require.NoError(t, err)

	assert.Equal(t, c.State, replayed.State)
	assert.Equal(t, c.ToProviderID, replayed.ToProviderID)
	assert.Equal(t, c.DeadlineAt, replayed.DeadlineAt)
	assert.Equal(t, c.ExcludedProviders, replayed.ExcludedProviders)
	assert.Equal(t, c.EscalationRounds, replayed.EscalationRounds)
	assert.Equal(t, c.Version, replayed.Version)
	assert.Empty(t, replayed.PendingEvents())

	again, err := Replay(c.History, DefaultDeadlinePolicy())
	require.NoError(t, err)
	assert.Equal(t, replayed, again)
}

func TestReplayRejectsGaps(t *testing.T) {
	c := newTestCase(t, UrgencyLow)
	require.NoError(t, c.Match("A", false, t0))

	_, err := Replay([]CaseEvent{c.History[1]}, DefaultDeadlinePolicy())
	assert.Error(t, err)

	_, err = Replay(nil, DefaultDeadlinePolicy())
	assert.Error(t, err)
}
