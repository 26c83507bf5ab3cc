package generic

import (
	"context"
	"encoding/json"
	"fmt"
)

// Timeline appends audit events for a batch. Events are never edited.
type Timeline struct {
	Clock Clock
}

func NewTimeline(clock Clock) *Timeline {
	return &Timeline{Clock: clock}
}

// Record appends one event. data is marshalled to JSON; nil stores no data.
func (t *Timeline) Record(ctx context.Context, tx Tx, b Batch, typ EventType, title, description string, data any, actor string) (TimelineEvent, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return TimelineEvent{}, fmt.Errorf("encode timeline data: %w", err)
		}
		raw = encoded
	}
	e := TimelineEvent{
		ID:          NewID(),
		TenantID:    b.TenantID,
		BatchID:     b.ID,
		Type:        typ,
		Title:       title,
		Description: description,
		Data:        raw,
		Actor:       actor,
		CreatedAt:   t.Clock.now(),
	}
	if err := tx.InsertTimelineEvent(ctx, e); err != nil {
		return TimelineEvent{}, err
	}
	return e, nil
}
