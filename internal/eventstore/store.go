// Package eventstore provides event sourcing infrastructure.
// It defines the append-only log contract; the kurrentdb package implements
// it on KurrentDB and MemoryStore implements it in-process.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// Common errors
var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrInvalidEvent        = errors.New("invalid event data")
)

// Event represents a domain event stored in the event store.
type Event struct {
	ID            types.ID       `json:"id"`
	AggregateID   types.ID       `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Version       int            `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`
	Metadata      EventMetadata  `json:"metadata"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	ActorID       string `json:"actor_id"`
	ActorType     string `json:"actor_type"` // provider, dispatcher, system
	Source        string `json:"source"`
	// OccurredAt is the domain time of the event. Stores that stamp their
	// own write time keep this one for replay.
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// EventStore defines the interface for event storage operations.
type EventStore interface {
	// Append stores new events for an aggregate with optimistic concurrency.
	// expectedVersion is the current version of the aggregate (0 for new).
	Append(ctx context.Context, events []*Event, expectedVersion int) error

	// Load retrieves all events for an aggregate in version order.
	Load(ctx context.Context, aggregateID types.ID) ([]*Event, error)

	// GetAggregateVersion returns the current version of an aggregate.
	GetAggregateVersion(ctx context.Context, aggregateID types.ID) (int, error)

	// ListAggregates returns the ids of every aggregate of the store's type.
	ListAggregates(ctx context.Context) ([]types.ID, error)
}

func validateBatch(events []*Event) error {
	first := events[0]
	for i, e := range events {
		if e.AggregateID != first.AggregateID || e.AggregateType != first.AggregateType {
			return ErrInvalidEvent
		}
		if e.EventType == "" || e.ID.IsZero() {
			return ErrInvalidEvent
		}
		if i > 0 && e.Version != events[i-1].Version+1 {
			return ErrInvalidEvent
		}
	}
	return nil
}
