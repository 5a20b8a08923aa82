package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/avaliev/tgbridge/internal/domain"
)

// KafkaSink publishes events to one topic, keyed by session ID so each
// session's events land on one partition in order.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafka creates a Kafka sink writing to topic via brokers.
func NewKafka(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Deliver publishes the full event as JSON.
func (s *KafkaSink) Deliver(ctx context.Context, event *domain.InboundEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Time:  event.ReceivedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending batches and releases the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
