/*
Package events publishes committed batch timeline events to downstream
consumers.

DELIVERY:
  Publication happens after the primary transaction commits. The timeline
  table stays the source of truth; a failed publish is logged by the
  caller and never undoes or fails the operation.

ORDERING:
  Messages are keyed by batch id so one batch's events land on one
  partition in commit order.

IMPLEMENTATIONS:
  - Kafka:  segmentio/kafka-go writer, trace context in message headers
  - Memory: captures events in process (tests)
  - Nop:    discards events (no broker configured)
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/batch-engine/generic"
	"go.opentelemetry.io/otel"
)

// Publisher delivers committed timeline events.
type Publisher interface {
	Publish(ctx context.Context, events ...generic.TimelineEvent) error
	Close() error
}

// Message is the wire shape of one published event.
type Message struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	BatchID     string            `json:"batch_id"`
	Type        generic.EventType `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Actor       string            `json:"actor"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewMessage converts a timeline event to its wire shape.
func NewMessage(e generic.TimelineEvent) Message {
	return Message{
		ID:          e.ID,
		TenantID:    string(e.TenantID),
		BatchID:     string(e.BatchID),
		Type:        e.Type,
		Title:       e.Title,
		Description: e.Description,
		Data:        e.Data,
		Actor:       e.Actor,
		CreatedAt:   e.CreatedAt,
	}
}

// =============================================================================
// KAFKA
// =============================================================================

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Kafka publishes events with a kafka-go writer.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(cfg KafkaConfig) *Kafka {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (k *Kafka) Publish(ctx context.Context, events ...generic.TimelineEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(NewMessage(e))
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		carrier := headerCarrier{{Key: "event_type", Value: []byte(e.Type)}}
		otel.GetTextMapPropagator().Inject(ctx, &carrier)
		msgs = append(msgs, kafka.Message{
			Key:     []byte(e.BatchID),
			Value:   value,
			Headers: carrier,
			Time:    e.CreatedAt,
		})
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// headerCarrier adapts Kafka headers to the OTel TextMapCarrier interface.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}

// =============================================================================
// MEMORY / NOP
// =============================================================================

// Memory records published events. Fail, when set, is returned by Publish.
type Memory struct {
	mu     sync.Mutex
	events []generic.TimelineEvent
	Fail   error
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(_ context.Context, events ...generic.TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []generic.TimelineEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]generic.TimelineEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Close() error { return nil }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...generic.TimelineEvent) error { return nil }
func (Nop) Close() error                                            { return nil }

var (
	_ Publisher = (*Kafka)(nil)
	_ Publisher = (*Memory)(nil)
	_ Publisher = Nop{}
)
