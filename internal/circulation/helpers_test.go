package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/eventstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var librarian = auth.Principal{UserID: uuid.New(), Role: auth.RoleLibrarian}

func newMember() auth.Principal {
	return auth.Principal{UserID: uuid.New(), Role: auth.RoleMember}
}

var testPolicy = Policy{LoanPeriod: 7 * day, FineRatePerDay: 1000}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	catalog  *catalog.Catalog
	engine   *Engine
	journal  *eventstore.Memory
	clock    *fakeClock
	category int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := eventstore.NewMemory()
	cat := catalog.NewService(catalog.NewLedger(), journal, zap.NewNop())
	c, err := cat.AddCategory(context.Background(), librarian, "Fiction")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	return &fixture{
		catalog:  cat,
		engine:   NewService(cat.Ledger(), journal, testPolicy, zap.NewNop(), WithClock(clock)),
		journal:  journal,
		clock:    clock,
		category: c.ID,
	}
}

func (f *fixture) addBook(t *testing.T, copies int) uuid.UUID {
	t.Helper()
	b, err := f.catalog.AddBook(context.Background(), librarian, catalog.NewBook{
		ISBN:        uuid.NewString(),
		Title:       "Dune",
		Author:      "Frank Herbert",
		CategoryID:  f.category,
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b.ID
}

func (f *fixture) available(t *testing.T, bookID uuid.UUID) int {
	t.Helper()
	b, err := f.catalog.GetBook(context.Background(), bookID)
	require.NoError(t, err)
	return b.AvailableCopies
}

// issued walks a fresh request through approval.
func (f *fixture) issued(t *testing.T, bookID uuid.UUID, m auth.Principal) *IssueRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := f.engine.RequestIssue(ctx, m, bookID, m.UserID)
	require.NoError(t, err)
	rec, err = f.engine.ApproveIssue(ctx, librarian, rec.ID)
	require.NoError(t, err)
	return rec
}
