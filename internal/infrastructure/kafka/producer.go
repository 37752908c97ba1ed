package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaProducer interface {
	Send(ctx context.Context, topic string, key string, value []byte) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &Producer{writer: writer}
}

// Send keys messages by aggregate id so events of one scan stay ordered
// within a partition.
func (p *Producer) Send(ctx context.Context, topic string, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	slog.Debug("Kafka message sent", "topic", topic, "key", key)
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("failed to close Kafka writer", "error", err)
		return err
	}
	slog.Info("Kafka writer closed")
	return nil
}

// NopProducer drops every message. Used when no broker is configured.
type NopProducer struct{}

func (NopProducer) Send(context.Context, string, string, []byte) error { return nil }

func (NopProducer) Close() error { return nil }

// Publish encodes v as JSON and sends it. Failures are logged only; event
// publication never fails the operation that produced the event.
func Publish(ctx context.Context, p KafkaProducer, topic, key string, v any) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode Kafka event", "topic", topic, "key", key, "error", err)
		return
	}
	if err := p.Send(ctx, topic, key, payload); err != nil {
		slog.Warn("event not published", "topic", topic, "key", key, "error", err)
	}
}
