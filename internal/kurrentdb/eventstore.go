package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"

	"github.com/carelink-ng/referral/internal/eventstore"
	"github.com/carelink-ng/referral/internal/shared/types"
)

// readBatch bounds a single ReadStream call. Case streams are short, so one
// batch normally covers the whole stream.
const readBatch = 4096

// EventStore implements eventstore.EventStore for one aggregate type, with
// one KurrentDB stream per aggregate.
type EventStore struct {
	client        *Client
	aggregateType string
}

// NewEventStore creates a KurrentDB-backed event store for aggregateType.
func NewEventStore(client *Client, aggregateType string) *EventStore {
	return &EventStore{client: client, aggregateType: aggregateType}
}

// Append stores new events for an aggregate with optimistic concurrency.
func (s *EventStore) Append(ctx context.Context, events []*eventstore.Event, expectedVersion int) error {
	if len(events) == 0 {
		return nil
	}

	aggregateID := events[0].AggregateID
	stream := streamName(s.aggregateType, aggregateID)

	esdbEvents := make([]esdb.EventData, len(events))
	for i, event := range events {
		if event.AggregateID != aggregateID {
			return eventstore.ErrInvalidEvent
		}

		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}

		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}

		eventID, err := toUUID(event.ID)
		if err != nil {
			return err
		}

		esdbEvents[i] = esdb.EventData{
			EventType:   event.EventType,
			ContentType: esdb.ContentTypeJson,
			Data:        data,
			Metadata:    metadata,
			EventID:     eventID,
		}
	}

	var options esdb.AppendToStreamOptions
	if expectedVersion == 0 {
		options.ExpectedRevision = esdb.NoStream{}
	} else {
		options.ExpectedRevision = esdb.Revision(uint64(expectedVersion - 1))
	}

	if _, err := s.client.DB().AppendToStream(ctx, stream, options, esdbEvents...); err != nil {
		if hasCode(err, esdb.ErrorCodeWrongExpectedVersion) {
			return eventstore.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to append events: %w", err)
	}

	return nil
}

// Load retrieves all events for an aggregate in version order.
func (s *EventStore) Load(ctx context.Context, aggregateID types.ID) ([]*eventstore.Event, error) {
	stream := streamName(s.aggregateType, aggregateID)

	var events []*eventstore.Event
	var from esdb.StreamPosition = esdb.Start{}
	for {
		batch, err := s.readForward(ctx, stream, from, false)
		if err != nil {
			return nil, err
		}
		for _, resolved := range batch {
			event, err := s.toEvent(resolved.Event, aggregateID)
			if err != nil {
				return nil, fmt.Errorf("failed to convert event: %w", err)
			}
			events = append(events, event)
		}
		if len(batch) < readBatch {
			return events, nil
		}
		from = esdb.Revision(batch[len(batch)-1].Event.EventNumber + 1)
	}
}

// GetAggregateVersion returns the current version of an aggregate.
func (s *EventStore) GetAggregateVersion(ctx context.Context, aggregateID types.ID) (int, error) {
	revision, exists, err := s.client.StreamLastRevision(ctx, streamName(s.aggregateType, aggregateID))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	return int(revision) + 1, nil
}

// ListAggregates walks the category stream and returns each aggregate once,
// in creation order. Requires the $by_category system projection.
func (s *EventStore) ListAggregates(ctx context.Context) ([]types.ID, error) {
	category := categoryStream(s.aggregateType)

	var ids []types.ID
	var from esdb.StreamPosition = esdb.Start{}
	for {
		batch, err := s.readForward(ctx, category, from, true)
		if err != nil {
			return nil, err
		}
		for _, resolved := range batch {
			if resolved.Event == nil || resolved.Event.EventNumber != 0 {
				continue
			}
			if id, ok := parseStreamName(s.aggregateType, resolved.Event.StreamID); ok {
				ids = append(ids, id)
			}
		}
		if len(batch) < readBatch {
			return ids, nil
		}
		from = esdb.Revision(batch[len(batch)-1].OriginalEvent().EventNumber + 1)
	}
}

func (s *EventStore) readForward(ctx context.Context, stream string, from esdb.StreamPosition, resolveLinks bool) ([]*esdb.ResolvedEvent, error) {
	readStream, err := s.client.DB().ReadStream(ctx, stream, esdb.ReadStreamOptions{
		From:           from,
		Direction:      esdb.Forwards,
		ResolveLinkTos: resolveLinks,
	}, readBatch)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	defer readStream.Close()

	var out []*esdb.ResolvedEvent
	for {
		resolved, err := readStream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
		}
		out = append(out, resolved)
	}
}

func (s *EventStore) toEvent(recorded *esdb.RecordedEvent, aggregateID types.ID) (*eventstore.Event, error) {
	var data map[string]any
	if err := json.Unmarshal(recorded.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	var metadata eventstore.EventMetadata
	if len(recorded.UserMetadata) > 0 {
		if err := json.Unmarshal(recorded.UserMetadata, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
		}
	}

	timestamp := recorded.CreatedDate
	if !metadata.OccurredAt.IsZero() {
		timestamp = metadata.OccurredAt
	}

	return &eventstore.Event{
		ID:            types.ID(recorded.EventID.String()),
		AggregateID:   aggregateID,
		AggregateType: s.aggregateType,
		EventType:     recorded.EventType,
		Version:       int(recorded.EventNumber) + 1,
		Timestamp:     timestamp,
		Data:          data,
		Metadata:      metadata,
	}, nil
}
