// internal/catalog/ledger.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"lendingdesk/internal/apperr"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrOverRelease reports a release on a book whose copies are all on the
// shelf already. It means a caller released a copy it never reserved.
var ErrOverRelease = errors.New("release exceeds total copies")

// entry is one book's lockable unit. All counter changes happen under mu.
// view holds the last committed copy of book, so readers never wait for a
// writer that is blocked on the journal.
type entry struct {
	mu      sync.Mutex
	book    Book
	removed bool
	view    atomic.Pointer[Book]
}

// publish stores a copy of the committed book for readers. Callers hold mu.
func (e *entry) publish() {
	b := e.book
	e.view.Store(&b)
}

// Ledger is the only writer of available copies. Each book is serialized by
// its own mutex; there is no lock spanning several books.
type Ledger struct {
	mu    sync.RWMutex
	books map[uuid.UUID]*entry

	tracer       trace.Tracer
	reservations metric.Int64Counter
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	counter, err := otel.Meter("lendingdesk/catalog").Int64Counter("inventory.reservations",
		metric.WithDescription("Reserve attempts by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	return &Ledger{
		books:        make(map[uuid.UUID]*entry),
		tracer:       otel.Tracer("lendingdesk/catalog"),
		reservations: counter,
	}
}

func (l *Ledger) lookup(id uuid.UUID) (*entry, error) {
	l.mu.RLock()
	e, ok := l.books[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("book %s: %w", id, apperr.ErrNotFound)
	}
	return e, nil
}

// withBook runs fn while holding the book's lock. fn sees the live book and
// may change it; a removed book reports ErrNotFound.
func (l *Ledger) withBook(id uuid.UUID, fn func(b *Book) error) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("book %s: %w", id, apperr.ErrNotFound)
	}
	if err := fn(&e.book); err != nil {
		return err
	}
	e.publish()
	return nil
}

// Reserve takes one copy of the book for recordID. commit runs while the
// copy is held but before the counter changes; if it fails nothing changes.
// A nil commit is allowed. Two reservations racing for the last copy are
// serialized: exactly one succeeds, the other fails with ErrOutOfStock.
func (l *Ledger) Reserve(ctx context.Context, bookID, recordID uuid.UUID, commit func(Reservation) error) (Reservation, error) {
	_, span := l.tracer.Start(ctx, "ledger.reserve", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.String("record.id", recordID.String()),
	))
	defer span.End()

	r := Reservation{BookID: bookID, RecordID: recordID}
	err := l.withBook(bookID, func(b *Book) error {
		if b.AvailableCopies <= 0 {
			return fmt.Errorf("book %s: %w", bookID, apperr.ErrOutOfStock)
		}
		if commit != nil {
			if err := commit(r); err != nil {
				return err
			}
		}
		b.AvailableCopies--
		return nil
	})

	outcome := "reserved"
	switch {
	case errors.Is(err, apperr.ErrOutOfStock):
		outcome = "out_of_stock"
	case err != nil:
		outcome = "failed"
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if l.reservations != nil {
		l.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// Release puts one copy back on the shelf. commit has the same contract as
// in Reserve. Releasing past total copies fails with ErrOverRelease.
func (l *Ledger) Release(ctx context.Context, bookID uuid.UUID, commit func() error) error {
	_, span := l.tracer.Start(ctx, "ledger.release", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
	))
	defer span.End()

	err := l.withBook(bookID, func(b *Book) error {
		if b.AvailableCopies >= b.TotalCopies {
			return fmt.Errorf("book %s has %d of %d copies available: %w",
				bookID, b.AvailableCopies, b.TotalCopies, ErrOverRelease)
		}
		if commit != nil {
			if err := commit(); err != nil {
				return err
			}
		}
		b.AvailableCopies++
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// AdjustTotal changes the number of copies owned. Copies on loan stay on
// loan, so the new total may not drop below them. commit sees the reconciled
// book and may edit it further before it is stored.
func (l *Ledger) AdjustTotal(ctx context.Context, bookID uuid.UUID, newTotal int, commit func(next *Book) error) (Book, error) {
	_, span := l.tracer.Start(ctx, "ledger.adjust_total", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.Int("new.total", newTotal),
	))
	defer span.End()

	out, err := l.update(bookID, func(next *Book) error {
		if err := setTotal(next, newTotal); err != nil {
			return err
		}
		if commit != nil {
			return commit(next)
		}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// update hands mutate a copy of the book under its lock and stores the copy
// only if mutate succeeds.
func (l *Ledger) update(id uuid.UUID, mutate func(next *Book) error) (Book, error) {
	var out Book
	err := l.withBook(id, func(b *Book) error {
		next := *b
		if err := mutate(&next); err != nil {
			return err
		}
		*b = next
		out = next
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	return out, nil
}

// setTotal reconciles available copies with a new total.
func setTotal(b *Book, newTotal int) error {
	onLoan := b.OnLoan()
	if newTotal < 1 || newTotal < onLoan {
		return fmt.Errorf("book %s: total %d with %d copies on loan: %w",
			b.ID, newTotal, onLoan, apperr.ErrInvalidCapacity)
	}
	b.AvailableCopies = newTotal - onLoan
	b.TotalCopies = newTotal
	return nil
}

// Get returns the book's last committed state without waiting for writers.
func (l *Ledger) Get(id uuid.UUID) (Book, error) {
	e, err := l.lookup(id)
	if err != nil {
		return Book{}, err
	}
	b := e.view.Load()
	if b == nil {
		return Book{}, fmt.Errorf("book %s: %w", id, apperr.ErrNotFound)
	}
	return *b, nil
}

// snapshot copies every live book from its committed view. Rows are
// individually consistent but may be stale relative to each other, and a
// reservation still waiting on its journal append is not yet visible.
func (l *Ledger) snapshot() []Book {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.books))
	for _, e := range l.books {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Book, 0, len(entries))
	for _, e := range entries {
		if b := e.view.Load(); b != nil {
			out = append(out, *b)
		}
	}
	return out
}

func (l *Ledger) insert(b Book) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &entry{book: b}
	e.publish()
	l.books[b.ID] = e
}

// remove marks the book removed and drops it from the index. The caller must
// hold e.mu.
func (l *Ledger) remove(e *entry) {
	e.removed = true
	e.view.Store(nil)
	l.mu.Lock()
	delete(l.books, e.book.ID)
	l.mu.Unlock()
}

// Totals summarizes the shelf across all books.
type Totals struct {
	Books           int `json:"total_books"`
	Copies          int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
}

// Totals adds up a snapshot of every book.
func (l *Ledger) Totals() Totals {
	var t Totals
	for _, b := range l.snapshot() {
		t.Books++
		t.Copies += b.TotalCopies
		t.AvailableCopies += b.AvailableCopies
	}
	return t
}
