package circulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/eventstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLastCopyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 1)
	a, b := newMember(), newMember()

	rec, err := f.engine.RequestIssue(ctx, a, book, a.UserID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, rec.Status)
	assert.Equal(t, 0, f.available(t, book))

	_, err = f.engine.RequestIssue(ctx, b, book, b.UserID)
	assert.ErrorIs(t, err, apperr.ErrOutOfStock)

	rec, err = f.engine.ApproveIssue(ctx, librarian, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, rec.Status)
	require.NotNil(t, rec.DueDate)
	assert.Equal(t, rec.IssueDate.Add(testPolicy.LoanPeriod), *rec.DueDate)

	f.clock.Advance(9*day + time.Hour)

	rec, err = f.engine.RequestReturn(ctx, a, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturnRequested, rec.Status)
	assert.Equal(t, 0, f.available(t, book))

	rec, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, rec.Status)
	require.NotNil(t, rec.ReturnDate)
	assert.Equal(t, int64(3000), rec.FineAmount, "two days and an hour late rounds up to three")
	assert.Equal(t, 1, f.available(t, book))
	assert.Equal(t, 4, rec.Version)
}

func TestRejectedReturnCanBeRequestedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 2)
	m := newMember()
	rec := f.issued(t, book, m)

	rec, err := f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)
	rec, err = f.engine.RejectReturn(ctx, librarian, rec.ID, "damaged - resubmit")
	require.NoError(t, err)
	assert.Equal(t, StatusReturnRejected, rec.Status)
	assert.Equal(t, "damaged - resubmit", rec.DecisionReason)
	assert.Equal(t, 1, f.available(t, book))

	rec, err = f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturnRequested, rec.Status)
	assert.Equal(t, 1, f.available(t, book))
}

func TestApprovalReplacesEarlierRejectionReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 1)
	m := newMember()
	rec := f.issued(t, book, m)

	_, err := f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)
	_, err = f.engine.RejectReturn(ctx, librarian, rec.ID, "damaged")
	require.NoError(t, err)
	_, err = f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)
	rec, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, rec.Status)
	assert.Empty(t, rec.DecisionReason, "the rejection reason does not outlive the approval")

	cat := catalog.NewService(catalog.NewLedger(), f.journal, zap.NewNop())
	engine := NewService(cat.Ledger(), f.journal, testPolicy, zap.NewNop(), WithClock(f.clock))
	_, err = eventstore.Replay(ctx, f.journal, func(e eventstore.Event) error {
		if err := cat.Apply(e); err != nil {
			return err
		}
		return engine.Apply(ctx, e)
	})
	require.NoError(t, err)
	got, err := engine.GetRecord(ctx, librarian, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.DecisionReason)
}

func TestApproveTwiceIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, 2)
	rec := f.issued(t, book, newMember())
	before := f.available(t, book)

	_, err := f.engine.ApproveIssue(context.Background(), librarian, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, before, f.available(t, book))

	got, err := f.engine.GetRecord(context.Background(), librarian, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, got.Version)
}

func TestInvalidTransitionsMutateNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 1)
	m := newMember()

	rec, err := f.engine.RequestIssue(ctx, m, book, m.UserID)
	require.NoError(t, err)

	_, err = f.engine.RequestReturn(ctx, m, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.engine.RejectReturn(ctx, librarian, rec.ID, "no")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	rec, err = f.engine.RejectIssue(ctx, librarian, rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusIssueRejected, rec.Status)
	assert.Equal(t, 1, f.available(t, book))

	for _, try := range []func() (*IssueRecord, error){
		func() (*IssueRecord, error) { return f.engine.ApproveIssue(ctx, librarian, rec.ID) },
		func() (*IssueRecord, error) { return f.engine.RejectIssue(ctx, librarian, rec.ID, "") },
		func() (*IssueRecord, error) { return f.engine.RequestReturn(ctx, m, rec.ID) },
	} {
		_, err := try()
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
	assert.Equal(t, 1, f.available(t, book))
}

func TestDuplicateActiveLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 3)
	m := newMember()

	rec, err := f.engine.RequestIssue(ctx, m, book, m.UserID)
	require.NoError(t, err)
	_, err = f.engine.RequestIssue(ctx, m, book, m.UserID)
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveLoan)
	assert.Equal(t, 2, f.available(t, book))

	_, err = f.engine.ApproveIssue(ctx, librarian, rec.ID)
	require.NoError(t, err)
	_, err = f.engine.RequestIssue(ctx, m, book, m.UserID)
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveLoan)

	_, err = f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)
	_, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	require.NoError(t, err)

	_, err = f.engine.RequestIssue(ctx, m, book, m.UserID)
	assert.NoError(t, err, "a closed loan does not block a new request")
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 2)
	owner, other := newMember(), newMember()

	_, err := f.engine.RequestIssue(ctx, other, book, owner.UserID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.engine.RequestIssue(ctx, librarian, book, owner.UserID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	rec, err := f.engine.RequestIssue(ctx, owner, book, owner.UserID)
	require.NoError(t, err)

	_, err = f.engine.ApproveIssue(ctx, owner, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.engine.RejectIssue(ctx, owner, rec.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.engine.ApproveIssue(ctx, librarian, rec.ID)
	require.NoError(t, err)

	_, err = f.engine.RequestReturn(ctx, other, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.engine.GetRecord(ctx, other, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := f.engine.GetRecord(ctx, owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, got.Status)
}

func TestRejectReturnRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := newMember()
	rec := f.issued(t, f.addBook(t, 1), m)
	_, err := f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)

	_, err = f.engine.RejectReturn(ctx, librarian, rec.ID, "   ")
	assert.ErrorIs(t, err, apperr.ErrMissingReason)

	got, err := f.engine.GetRecord(ctx, librarian, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturnRequested, got.Status)
}

func TestApproveReturnRemarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := newMember()
	rec := f.issued(t, f.addBook(t, 1), m)
	_, err := f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)

	rec, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, " spine creased ")
	require.NoError(t, err)
	assert.Equal(t, "spine creased", rec.DecisionReason)
	assert.Zero(t, rec.FineAmount)
}

func TestUnknownRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ApproveIssue(context.Background(), librarian, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.engine.GetRecord(context.Background(), librarian, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnknownBook(t *testing.T) {
	f := newFixture(t)
	m := newMember()
	_, err := f.engine.RequestIssue(context.Background(), m, uuid.New(), m.UserID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestJournalFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 1)
	m := newMember()
	boom := errors.New("disk full")

	f.journal.FailNextAppend(boom)
	_, err := f.engine.RequestIssue(ctx, m, book, m.UserID)
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, f.available(t, book))
	assert.Empty(t, f.engine.snapshot())

	rec := f.issued(t, book, m)
	_, err = f.engine.RequestReturn(ctx, m, rec.ID)
	require.NoError(t, err)

	f.journal.FailNextAppend(boom)
	_, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, 0, f.available(t, book))

	got, err := f.engine.GetRecord(ctx, librarian, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturnRequested, got.Status)

	_, err = f.engine.ApproveReturn(ctx, librarian, rec.ID, "")
	require.NoError(t, err, "a retry re-validates and succeeds")
	assert.Equal(t, 1, f.available(t, book))
}

func TestConcurrentRequestsForLastCopies(t *testing.T) {
	for _, copies := range []int{1, 3} {
		f := newFixture(t)
		book := f.addBook(t, copies)

		const racers = 25
		var (
			wg         sync.WaitGroup
			successes  atomic.Int32
			outOfStock atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			m := newMember()
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := f.engine.RequestIssue(context.Background(), m, book, m.UserID)
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, apperr.ErrOutOfStock):
					outOfStock.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.EqualValues(t, copies, successes.Load())
		assert.EqualValues(t, racers-copies, outOfStock.Load())
		assert.Equal(t, 0, f.available(t, book))
	}
}

func TestConcurrentDuplicateRequests(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, 10)
	m := newMember()

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RequestIssue(context.Background(), m, book, m.UserID)
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, apperr.ErrDuplicateActiveLoan)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.Equal(t, 9, f.available(t, book))
	assert.Zero(t, f.engine.pairLocks.size())
}

func TestConcurrentDecisionsOnOneRecord(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, 1)
	m := newMember()
	rec, err := f.engine.RequestIssue(context.Background(), m, book, m.UserID)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		approved atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.engine.ApproveIssue(context.Background(), librarian, rec.ID); err == nil {
				approved.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.engine.RejectIssue(context.Background(), librarian, rec.ID, "late"); err == nil {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, approved.Load()+rejected.Load())
	want := 0
	if rejected.Load() == 1 {
		want = 1
	}
	assert.Equal(t, want, f.available(t, book))
	assert.Zero(t, f.engine.recordLocks.size())
}

func TestReplayRebuildsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 3)
	a, b, c := newMember(), newMember(), newMember()

	returned := f.issued(t, book, a)
	_, err := f.engine.RequestReturn(ctx, a, returned.ID)
	require.NoError(t, err)
	f.clock.Advance(10 * day)
	returned, err = f.engine.ApproveReturn(ctx, librarian, returned.ID, "")
	require.NoError(t, err)

	onLoan := f.issued(t, book, b)
	pending, err := f.engine.RequestIssue(ctx, c, book, c.UserID)
	require.NoError(t, err)

	cat := catalog.NewService(catalog.NewLedger(), f.journal, zap.NewNop())
	engine := NewService(cat.Ledger(), f.journal, testPolicy, zap.NewNop(), WithClock(f.clock))
	n, err := eventstore.Replay(ctx, f.journal, func(e eventstore.Event) error {
		if err := cat.Apply(e); err != nil {
			return err
		}
		return engine.Apply(ctx, e)
	})
	require.NoError(t, err)
	assert.Equal(t, f.journal.Len(), n)

	got, err := cat.GetBook(ctx, book)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AvailableCopies)

	for _, want := range []*IssueRecord{returned, onLoan, pending} {
		rec, err := engine.GetRecord(ctx, librarian, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Status, rec.Status)
		assert.Equal(t, want.Version, rec.Version)
		assert.Equal(t, want.FineAmount, rec.FineAmount)
	}

	_, err = engine.RequestIssue(ctx, c, book, c.UserID)
	assert.ErrorIs(t, err, apperr.ErrDuplicateActiveLoan, "open records are indexed again")

	_, err = engine.ApproveIssue(ctx, librarian, pending.ID)
	assert.NoError(t, err, "versions continue where the journal left off")
}

func TestDeleteBookRefusedWhileRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 2)
	m := newMember()
	rec, err := f.engine.RequestIssue(ctx, m, book, m.UserID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.catalog.DeleteBook(ctx, librarian, book), apperr.ErrBookInUse)

	_, err = f.engine.RejectIssue(ctx, librarian, rec.ID, "")
	require.NoError(t, err)
	assert.NoError(t, f.catalog.DeleteBook(ctx, librarian, book))
}

func TestShrinkingTotalKeepsLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.addBook(t, 3)
	f.issued(t, book, newMember())
	f.issued(t, book, newMember())

	one := 1
	_, err := f.catalog.UpdateBook(ctx, librarian, book, catalog.BookUpdate{TotalCopies: &one})
	assert.ErrorIs(t, err, apperr.ErrInvalidCapacity)

	two := 2
	b, err := f.catalog.UpdateBook(ctx, librarian, book, catalog.BookUpdate{TotalCopies: &two})
	require.NoError(t, err)
	assert.Equal(t, 0, b.AvailableCopies)
}

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusRequested, StatusIssued, StatusIssueRejected, StatusReturnRequested, StatusReturnRejected, StatusReturned}
	for tr := range transitions {
		for _, s := range all {
			next, err := tr.Next(s)
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
				continue
			}
			assert.False(t, s.Terminal(), "%s left terminal status %s", tr, s)
			assert.NotEmpty(t, next)
		}
	}
	_, err := Transition("teleport").Next(StatusIssued)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestOverdueFlag(t *testing.T) {
	f := newFixture(t)
	m := newMember()
	rec := f.issued(t, f.addBook(t, 1), m)
	assert.False(t, rec.Overdue)

	f.clock.Advance(testPolicy.LoanPeriod)
	got, err := f.engine.GetRecord(context.Background(), m, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Overdue, "due exactly now is not overdue")

	f.clock.Advance(time.Minute)
	got, err = f.engine.GetRecord(context.Background(), m, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Overdue)
}

var (
	_ Service   = (*Engine)(nil)
	_ Inventory = (*catalog.Ledger)(nil)
)
