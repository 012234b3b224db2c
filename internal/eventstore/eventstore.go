package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Event is one journaled domain event.
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	AggregateID   uuid.UUID              `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type" db:"aggregate_type"`
	EventType     string                 `json:"event_type" db:"event_type"`
	EventData     json.RawMessage        `json:"event_data" db:"event_data"`
	Metadata      map[string]interface{} `json:"metadata" db:"metadata"`
	Version       int                    `json:"version" db:"version"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Journal is the append-only log every mutation is committed to.
type Journal interface {
	// AppendEvents atomically appends events if the aggregate is still at
	// expectedVersion, otherwise it returns ErrConcurrencyConflict.
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error
	// StreamEvents returns up to batchSize events with an id greater than fromID, in id order.
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error)
}

// NewEvent marshals data into an event of the given type.
func NewEvent(eventType string, data interface{}, metadata map[string]interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return Event{EventType: eventType, EventData: raw, Metadata: metadata}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.EventData, v); err != nil {
		return fmt.Errorf("decode %s event %d: %w", e.EventType, e.ID, err)
	}
	return nil
}

const defaultReplayBatch = 500

// Replay streams the whole journal in id order and hands every event to apply.
func Replay(ctx context.Context, j Journal, apply func(Event) error) (int, error) {
	var (
		fromID int64
		n      int
	)
	for {
		batch, err := j.StreamEvents(ctx, fromID, defaultReplayBatch)
		if err != nil {
			return n, err
		}
		for _, e := range batch {
			if err := apply(e); err != nil {
				return n, err
			}
			fromID = e.ID
			n++
		}
		if len(batch) < defaultReplayBatch {
			return n, nil
		}
	}
}
