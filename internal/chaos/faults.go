package chaos

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"lendingdesk/internal/eventstore"

	"github.com/google/uuid"
)

// ErrInjected is returned by appends that FaultyJournal chose to fail.
var ErrInjected = errors.New("injected journal failure")

// FaultyJournal wraps a Journal and fails or delays appends on demand.
// Reads always pass through so a rebuild can inspect what was committed.
type FaultyJournal struct {
	next eventstore.Journal

	mu          sync.RWMutex
	failureRate float64
	latency     time.Duration
}

func NewFaultyJournal(next eventstore.Journal) *FaultyJournal {
	return &FaultyJournal{next: next}
}

// SetFailureRate makes each append fail with probability p (0 to 1).
func (f *FaultyJournal) SetFailureRate(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRate = p
}

// SetLatency delays every append by d before it reaches the wrapped journal.
func (f *FaultyJournal) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Heal removes every injected fault.
func (f *FaultyJournal) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRate, f.latency = 0, 0
}

func (f *FaultyJournal) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error {
	f.mu.RLock()
	rate, latency := f.failureRate, f.latency
	f.mu.RUnlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if rate >= 1 || (rate > 0 && rand.Float64() < rate) {
		return ErrInjected
	}
	return f.next.AppendEvents(ctx, aggregateID, aggregateType, expectedVersion, events)
}

func (f *FaultyJournal) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error) {
	return f.next.StreamEvents(ctx, fromID, batchSize)
}
