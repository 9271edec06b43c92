package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/carelink-ng/referral/internal/eventstore"
	"github.com/carelink-ng/referral/internal/referral/domain"
	apperrors "github.com/carelink-ng/referral/internal/shared/errors"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// EventLog stores case histories in an eventstore.EventStore, one stream
// per case.
type EventLog struct {
	store  eventstore.EventStore
	source string
}

// NewEventLog adapts store to domain.EventLog.
func NewEventLog(store eventstore.EventStore) *EventLog {
	return &EventLog{store: store, source: "referral-coordinator"}
}

func (l *EventLog) Load(ctx context.Context, caseID types.ID) ([]domain.CaseEvent, error) {
	stored, err := l.store.Load(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load case %s: %w", caseID, err)
	}

	events := make([]domain.CaseEvent, 0, len(stored))
	for _, e := range stored {
		payload, err := domain.PayloadFromMap(e.Data)
		if err != nil {
			return nil, fmt.Errorf("case %s event %d: %w", caseID, e.Version, err)
		}
		events = append(events, domain.CaseEvent{
			EventID:         e.ID,
			CaseID:          e.AggregateID,
			Sequence:        e.Version,
			Type:            domain.EventType(e.EventType),
			ActorProviderID: types.ProviderID(e.Metadata.ActorID),
			Timestamp:       e.Timestamp,
			Payload:         payload,
		})
	}
	return events, nil
}

func (l *EventLog) Append(ctx context.Context, caseID types.ID, expectedVersion int, events []domain.CaseEvent) error {
	if len(events) == 0 {
		return nil
	}

	stored := make([]*eventstore.Event, len(events))
	for i, e := range events {
		data, err := e.Payload.ToMap()
		if err != nil {
			return err
		}
		stored[i] = &eventstore.Event{
			ID:            e.EventID,
			AggregateID:   caseID,
			AggregateType: domain.AggregateType,
			EventType:     string(e.Type),
			Version:       e.Sequence,
			Timestamp:     e.Timestamp,
			Data:          data,
			Metadata: eventstore.EventMetadata{
				CorrelationID: caseID.String(),
				ActorID:       e.ActorProviderID.String(),
				ActorType:     actorType(e),
				Source:        l.source,
				OccurredAt:    e.Timestamp,
			},
		}
	}

	err := l.store.Append(ctx, stored, expectedVersion)
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return apperrors.StateConflict("case was modified concurrently", strconv.Itoa(expectedVersion), "")
	}
	if err != nil {
		return fmt.Errorf("failed to append to case %s: %w", caseID, err)
	}
	return nil
}

func (l *EventLog) CaseIDs(ctx context.Context) ([]types.ID, error) {
	return l.store.ListAggregates(ctx)
}

func actorType(e domain.CaseEvent) string {
	switch {
	case e.ActorProviderID == types.SystemActor:
		return "system"
	case e.Payload.Manual && (e.Type == domain.EventMatched || e.Type == domain.EventReassigned):
		return "dispatcher"
	}
	return "provider"
}
