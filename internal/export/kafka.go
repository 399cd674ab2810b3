// Package export ships message audit records to Kafka for downstream
// analytics. The exporter is optional: a nil *KafkaExporter is a no-op.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaExporter publishes JSON audit records to a single topic, keyed so
// records for one tenant land on one partition in order.
type KafkaExporter struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafka creates an exporter writing to topic on the given brokers.
func NewKafka(brokers []string, topic string) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 10 * time.Second,
			Async:        false,
		},
		logger: slog.Default().With("component", "export"),
	}
}

// Publish marshals payload and writes it under key. Safe on a nil receiver.
func (e *KafkaExporter) Publish(ctx context.Context, key string, payload any) error {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	err = e.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (e *KafkaExporter) Close() error {
	if e == nil {
		return nil
	}
	return e.writer.Close()
}
