package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka Kafka告警输出 / Publishes alerts as JSON to a Kafka topic, keyed by user id
type Kafka struct {
	writer messageWriter
	topic  string
}

// NewKafka 创建Kafka告警输出 / Create a Kafka sink
//
// Parameters:
//   - brokers: Broker addresses, e.g. ["localhost:9092"]
//   - topic: Alert topic
//
// Returns:
//   - *Kafka: 告警输出 / Sink publishing with acks from all replicas
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		WriteTimeout:           5 * time.Second,
	}
	return &Kafka{writer: w, topic: topic}
}

// Send publishes a.
func (k *Kafka) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.UserID), Value: data, Time: a.At}); err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
