// Package audit records every relay action on an observability channel.
// The hub always logs; when Kafka is configured each action is additionally
// published to a topic for offline inspection.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Well-known action values.
const (
	ActionDispatch = "dispatch"
	ActionEdit     = "edit"
	ActionDelete   = "delete"
	ActionReply    = "reply"
	ActionDrop     = "drop"
)

// Record is one relay action.
type Record struct {
	Action   string    `json:"action"`
	Platform string    `json:"platform"`
	NativeID string    `json:"native_id,omitempty"`
	TraceID  string    `json:"trace_id"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Sink publishes relay action records.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Kafka publishes records as JSON to a single topic, keyed by platform.
type Kafka struct {
	w *kafka.Writer
}

// NewKafka creates a Kafka sink for the given brokers and topic.
func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.Platform),
		Value: value,
		Time:  rec.Time,
	})
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
