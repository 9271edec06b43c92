package eventstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-ng/referral/internal/shared/types"
)

func newEvent(id types.ID, version int, eventType string) *Event {
	return &Event{
		ID:            types.NewID(),
		AggregateID:   id,
		AggregateType: "referral_case",
		EventType:     eventType,
		Version:       version,
		Timestamp:     time.Now().UTC(),
		Data:          map[string]any{"k": "v"},
	}
}

func TestMemoryStoreAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := types.NewID()

	require.NoError(t, s.Append(ctx, []*Event{newEvent(id, 1, "created"), newEvent(id, 2, "matched")}, 0))
	require.NoError(t, s.Append(ctx, []*Event{newEvent(id, 3, "accepted")}, 2))

	events, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "accepted", events[2].EventType)

	version, err := s.GetAggregateVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	ids, err := s.ListAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ID{id}, ids)
}

func TestMemoryStoreRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := types.NewID()

	require.NoError(t, s.Append(ctx, []*Event{newEvent(id, 1, "created")}, 0))
	err := s.Append(ctx, []*Event{newEvent(id, 1, "created")}, 0)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestMemoryStoreRejectsMixedBatch(t *testing.T) {
	s := NewMemoryStore()
	err := s.Append(context.Background(), []*Event{newEvent(types.NewID(), 1, "created"), newEvent(types.NewID(), 2, "matched")}, 0)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestMemoryStoreConcurrentAppendOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := types.NewID()
	require.NoError(t, s.Append(ctx, []*Event{newEvent(id, 1, "created")}, 0))

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Append(ctx, []*Event{newEvent(id, 2, "matched")}, 1)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestMemoryStoreLoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := types.NewID()
	require.NoError(t, s.Append(ctx, []*Event{newEvent(id, 1, "created")}, 0))

	events, err := s.Load(ctx, id)
	require.NoError(t, err)
	events[0].EventType = "tampered"

	again, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "created", again[0].EventType)
}
