package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// LocationEvent is one driver heartbeat published to the location topic
// for downstream consumers (analytics, surge, replay).
type LocationEvent struct {
	DriverID  uint      `json:"driverId"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Heading   float64   `json:"heading"`
	Speed     float64   `json:"speed"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationProducer publishes driver heartbeats to Kafka. The stream is a
// side channel: a publish failure is logged and never blocks the
// heartbeat write path.
type LocationProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewLocationProducer builds a producer, or a disabled one when no
// brokers are configured.
func NewLocationProducer(brokers []string, topic string, logger *slog.Logger) *LocationProducer {
	if logger == nil {
		logger = slog.Default()
	}
	if len(brokers) == 0 || topic == "" {
		logger.Info("kafka location stream disabled, no brokers configured")
		return &LocationProducer{logger: logger}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	return &LocationProducer{writer: writer, logger: logger}
}

// Publish emits one heartbeat, keyed by driver so each driver's stream
// stays ordered within a partition.
func (p *LocationProducer) Publish(ctx context.Context, event LocationEvent) {
	if p == nil || p.writer == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("location event marshal failed", "driverId", event.DriverID, "error", err)
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", event.DriverID)),
		Value: value,
	})
	if err != nil {
		p.logger.Error("location event publish failed", "driverId", event.DriverID, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *LocationProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
