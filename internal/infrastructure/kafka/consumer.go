package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// SummaryRefresher recomputes the cached aggregate of a collection.
type SummaryRefresher interface {
	RefreshSummary(ctx context.Context, collectionID, userID string) error
}

type Consumer struct {
	reader    *kafka.Reader
	refresher SummaryRefresher
}

func NewConsumer(brokers []string, topic, groupID string, refresher SummaryRefresher) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		refresher: refresher,
	}
}

// Consume refreshes the collection cache for every terminal scan event
// until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Kafka consumer stopped", "topic", c.reader.Config().Topic)
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}
		c.handle(ctx, msg.Value)
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) {
	var event ScanEvent
	if err := json.Unmarshal(value, &event); err != nil {
		slog.Error("failed to unmarshal scan event", "error", err)
		return
	}
	if event.CollectionID == "" {
		return
	}
	if err := c.refresher.RefreshSummary(ctx, event.CollectionID, event.UserID); err != nil {
		slog.Error("failed to refresh collection summary", "collection_id", event.CollectionID, "scan_id", event.ScanID, "error", err)
		return
	}
	slog.Debug("collection summary refreshed", "collection_id", event.CollectionID, "scan_id", event.ScanID)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
