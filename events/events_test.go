package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/batch-engine/generic"
)

func event(id string, typ generic.EventType) generic.TimelineEvent {
	return generic.TimelineEvent{
		ID:        id,
		TenantID:  "t1",
		BatchID:   "b1",
		Type:      typ,
		Title:     string(typ),
		Data:      json.RawMessage(`{"volume":"500"}`),
		Actor:     "brewer",
		CreatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemory_CapturesCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, event("e1", generic.EventCreated)))
	require.NoError(t, m.Publish(ctx, event("e2", generic.EventBrewingStarted), event("e3", generic.EventReady)))

	got := m.Events()
	require.Len(t, got, 3)
	assert.Equal(t, "e3", got[2].ID)

	got[0].ID = "changed"
	assert.Equal(t, "e1", m.Events()[0].ID)
}

func TestMemory_Fail(t *testing.T) {
	m := NewMemory()
	m.Fail = errors.New("broker down")

	err := m.Publish(context.Background(), event("e1", generic.EventCreated))

	assert.EqualError(t, err, "broker down")
	assert.Empty(t, m.Events())
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage(event("e1", generic.EventCancelled))

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "e1",
		"tenant_id": "t1",
		"batch_id": "b1",
		"type": "CANCELLED",
		"title": "CANCELLED",
		"data": {"volume": "500"},
		"actor": "brewer",
		"created_at": "2026-03-02T09:00:00Z"
	}`, string(data))
}

func TestHeaderCarrier(t *testing.T) {
	c := headerCarrier{{Key: "event_type", Value: []byte("CREATED")}}

	c.Set("traceparent", "00-abc-def-01")
	c.Set("event_type", "READY")

	assert.Equal(t, "READY", c.Get("event_type"))
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("missing"))
	assert.Equal(t, []string{"event_type", "traceparent"}, c.Keys())
	assert.Equal(t, "traceparent", []kafka.Header(c)[1].Key)
}

func TestKafka_EmptyPublishIsNoop(t *testing.T) {
	k := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "batch-events"})

	assert.NoError(t, k.Publish(context.Background()))
	assert.NoError(t, k.Close())
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), event("e1", generic.EventCreated)))
	assert.NoError(t, p.Close())
}
