package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/carelink-ng/referral/internal/shared/config"
)

// KafkaSink publishes records to a topic, keyed by case id so every event
// of a case lands on the same partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, rec DispatchRecord) error {
	msg, err := kafkaMessage(rec)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(rec DispatchRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize record: %w", err)
	}
	return kafka.Message{
		Key:   []byte(rec.CaseID.String()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(rec.Type)},
			{Key: "event-id", Value: []byte(rec.EventID.String())},
			{Key: "sequence", Value: []byte(strconv.Itoa(rec.Sequence))},
		},
		Time: rec.Timestamp,
	}, nil
}
