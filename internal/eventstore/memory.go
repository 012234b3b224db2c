package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Journal used when no database is configured
// and in tests. It enforces the same version rules as Postgres.
type Memory struct {
	mu       sync.Mutex
	events   []Event
	versions map[uuid.UUID]int
	failNext error
}

func NewMemory() *Memory {
	return &Memory{versions: make(map[uuid.UUID]int)}
}

// FailNextAppend makes the next AppendEvents call return err without writing.
func (m *Memory) FailNextAppend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.versions[aggregateID] != expectedVersion {
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		event.ID = int64(len(m.events) + 1)
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.CreatedAt = now
		m.events = append(m.events, event)
	}
	m.versions[aggregateID] = expectedVersion + len(events)
	return nil
}

func (m *Memory) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := sort.Search(len(m.events), func(i int) bool { return m.events[i].ID > fromID })
	end := start + batchSize
	if end > len(m.events) {
		end = len(m.events)
	}
	out := make([]Event, end-start)
	copy(out, m.events[start:end])
	return out, nil
}

// Len reports how many events have been appended.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
