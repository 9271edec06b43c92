package eventstore

import (
	"context"
	"sync"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// MemoryStore is an in-process EventStore used in development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[types.ID][]*Event
	order   []types.ID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[types.ID][]*Event)}
}

func (s *MemoryStore) Append(ctx context.Context, events []*Event, expectedVersion int) error {
	if len(events) == 0 {
		return nil
	}
	if err := validateBatch(events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := events[0].AggregateID
	stream, exists := s.streams[id]
	if len(stream) != expectedVersion {
		return ErrConcurrencyConflict
	}
	if events[0].Version != expectedVersion+1 {
		return ErrInvalidEvent
	}

	for _, e := range events {
		cp := *e
		stream = append(stream, &cp)
	}
	s.streams[id] = stream
	if !exists {
		s.order = append(s.order, id)
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID types.ID) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	out := make([]*Event, len(stream))
	for i, e := range stream {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) GetAggregateVersion(ctx context.Context, aggregateID types.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams[aggregateID]), nil
}

func (s *MemoryStore) ListAggregates(ctx context.Context) ([]types.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ID(nil), s.order...), nil
}
