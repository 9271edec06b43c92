package domain

import (
	"time"

	"github.com/carelink-ng/referral/internal/shared/config"
)

// Window is the pair of deadlines for one urgency level.
type Window struct {
	Ack   time.Duration
	Phase time.Duration
}

// DeadlinePolicy maps urgency to acknowledgement and phase windows.
type DeadlinePolicy struct {
	Windows map[Urgency]Window
}

// DefaultDeadlinePolicy returns the standard service-level table.
func DefaultDeadlinePolicy() DeadlinePolicy {
	return DeadlinePolicy{
		Windows: map[Urgency]Window{
			UrgencyEmergency: {Ack: 5 * time.Minute, Phase: 30 * time.Minute},
			UrgencyHigh:      {Ack: 2 * time.Hour, Phase: 24 * time.Hour},
			UrgencyMedium:    {Ack: 24 * time.Hour, Phase: 72 * time.Hour},
			UrgencyLow:       {Ack: 72 * time.Hour, Phase: 7 * 24 * time.Hour},
		},
	}
}

// DeadlinePolicyFromConfig builds the policy from the escalation section.
func DeadlinePolicyFromConfig(cfg config.EscalationConfig) DeadlinePolicy {
	return DeadlinePolicy{
		Windows: map[Urgency]Window{
			UrgencyEmergency: {Ack: cfg.EmergencyAck, Phase: cfg.EmergencyPhase},
			UrgencyHigh:      {Ack: cfg.HighAck, Phase: cfg.HighPhase},
			UrgencyMedium:    {Ack: cfg.MediumAck, Phase: cfg.MediumPhase},
			UrgencyLow:       {Ack: cfg.LowAck, Phase: cfg.LowPhase},
		},
	}
}

// DeadlineFor returns the deadline of the state c is in, counted from the
// transition that entered it, or nil when the state carries none.
func (p DeadlinePolicy) DeadlineFor(c *Case, enteredAt time.Time) *time.Time {
	w, ok := p.Windows[c.Urgency]
	if !ok {
		return nil
	}

	var d time.Duration
	switch c.State {
	case StatePending, StateMatched, StateRejected:
		d = w.Ack
	case StateEscalated:
		if c.ManualDispatch {
			return nil
		}
		d = w.Ack
	case StateAccepted, StateInProgress:
		d = w.Phase
	default:
		return nil
	}
	if d <= 0 {
		return nil
	}
	at := enteredAt.Add(d)
	return &at
}
