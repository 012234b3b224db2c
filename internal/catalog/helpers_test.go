package catalog

import (
	"context"
	"testing"

	"lendingdesk/internal/auth"
	"lendingdesk/internal/eventstore"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var librarian = auth.Principal{UserID: uuid.New(), Role: auth.RoleLibrarian}

type fixture struct {
	catalog  *Catalog
	journal  *eventstore.Memory
	category int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal := eventstore.NewMemory()
	c := NewService(NewLedger(), journal, zap.NewNop())
	cat, err := c.AddCategory(context.Background(), librarian, "Fiction")
	require.NoError(t, err)
	return &fixture{catalog: c, journal: journal, category: cat.ID}
}

func (f *fixture) addBook(t *testing.T, isbn, title, author string, copies int) *Book {
	t.Helper()
	b, err := f.catalog.AddBook(context.Background(), librarian, NewBook{
		ISBN:        isbn,
		Title:       title,
		Author:      author,
		CategoryID:  f.category,
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b
}
