package kurrentdb

import (
	"context"
	"fmt"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/rs/zerolog"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// StreamHandler is called with the aggregate whose stream received an event.
type StreamHandler func(ctx context.Context, aggregateID types.ID) error

// Subscriber follows the category stream of one aggregate type through a
// persistent subscription, so view updates missed by a crashed writer are
// replayed by whichever instance holds the subscription.
type Subscriber struct {
	client        *Client
	aggregateType string
	group         string
	logger        zerolog.Logger
}

// NewSubscriber creates a subscriber for aggregateType in consumer group group.
func NewSubscriber(client *Client, aggregateType, group string, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client:        client,
		aggregateType: aggregateType,
		group:         group,
		logger:        logger.With().Str("component", "kurrentdb_subscriber").Logger(),
	}
}

// Start ensures the persistent subscription exists and begins delivering
// events to handler until ctx is done.
func (s *Subscriber) Start(ctx context.Context, handler StreamHandler) error {
	stream := categoryStream(s.aggregateType)

	settings := esdb.SubscriptionSettingsDefault()
	settings.ResolveLinkTos = true

	err := s.client.DB().CreatePersistentSubscription(ctx, stream, s.group, esdb.PersistentStreamSubscriptionOptions{
		Settings:  &settings,
		StartFrom: esdb.Start{},
	})
	if err != nil && !hasCode(err, esdb.ErrorCodeResourceAlreadyExists) {
		return fmt.Errorf("failed to create persistent subscription: %w", err)
	}

	sub, err := s.client.DB().SubscribeToPersistentSubscription(ctx, stream, s.group, esdb.SubscribeToPersistentSubscriptionOptions{})
	if err != nil {
		return fmt.Errorf("failed to subscribe to persistent subscription: %w", err)
	}

	go s.handle(ctx, sub, handler)
	return nil
}

func (s *Subscriber) handle(ctx context.Context, sub *esdb.PersistentSubscription, handler StreamHandler) {
	defer sub.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		subEvent := sub.Recv()
		if subEvent.SubscriptionDropped != nil {
			s.logger.Error().Err(subEvent.SubscriptionDropped.Error).Msg("subscription dropped")
			return
		}
		if subEvent.EventAppeared == nil || subEvent.EventAppeared.Event == nil {
			continue
		}

		resolved := subEvent.EventAppeared.Event
		recorded := resolved.Event
		if recorded == nil {
			sub.Ack(resolved)
			continue
		}

		id, ok := parseStreamName(s.aggregateType, recorded.StreamID)
		if !ok {
			sub.Ack(resolved)
			continue
		}

		if err := handler(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("aggregate_id", id.String()).Msg("handler failed, retrying")
			sub.Nack("handler error", esdb.NackActionRetry, resolved)
			continue
		}
		sub.Ack(resolved)
	}
}
