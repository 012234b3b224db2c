// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/eventstore"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Catalog implements the Service interface on top of the Ledger.
type Catalog struct {
	ledger  *Ledger
	journal eventstore.Journal
	logger  *zap.Logger
	now     func() time.Time

	// indexMu serializes adding and removing books and categories.
	indexMu sync.Mutex
	isbns   map[string]uuid.UUID

	catMu      sync.RWMutex
	categories map[int64]Category
	catVersion int
}

// NewService creates a new catalog service instance.
func NewService(ledger *Ledger, journal eventstore.Journal, logger *zap.Logger) *Catalog {
	return &Catalog{
		ledger:     ledger,
		journal:    journal,
		logger:     logger,
		now:        time.Now,
		isbns:      make(map[string]uuid.UUID),
		categories: make(map[int64]Category),
	}
}

// Ledger exposes the inventory ledger the catalog maintains.
func (c *Catalog) Ledger() *Ledger { return c.ledger }

func (c *Catalog) append(ctx context.Context, p auth.Principal, aggregateID uuid.UUID, aggregateType string, version int, eventType string, data interface{}) error {
	event, err := eventstore.NewEvent(eventType, data, map[string]interface{}{"actor": p.UserID.String()})
	if err != nil {
		return err
	}
	if err := c.journal.AppendEvents(ctx, aggregateID, aggregateType, version, []eventstore.Event{event}); err != nil {
		c.logger.Error("journal append failed",
			zap.String("event", eventType),
			zap.Stringer("aggregate_id", aggregateID),
			zap.Error(err))
		return fmt.Errorf("journal %s: %w: %w", eventType, apperr.ErrUnavailable, err)
	}
	return nil
}

// AddBook creates a new title with all copies available.
func (c *Catalog) AddBook(ctx context.Context, p auth.Principal, nb NewBook) (*Book, error) {
	if err := p.RequireLibrarian(); err != nil {
		return nil, err
	}
	nb.ISBN = strings.TrimSpace(nb.ISBN)
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	if nb.ISBN == "" || nb.Title == "" || nb.Author == "" {
		return nil, fmt.Errorf("isbn, title and author are required: %w", apperr.ErrInvalidArgument)
	}
	if nb.TotalCopies < 1 {
		return nil, fmt.Errorf("total copies must be at least 1: %w", apperr.ErrInvalidArgument)
	}
	if !c.hasCategory(nb.CategoryID) {
		return nil, fmt.Errorf("category %d does not exist: %w", nb.CategoryID, apperr.ErrInvalidArgument)
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	if _, taken := c.isbns[nb.ISBN]; taken {
		return nil, fmt.Errorf("isbn %s: %w", nb.ISBN, apperr.ErrDuplicateISBN)
	}

	now := c.now().UTC()
	ev := BookAddedEvent{
		ID:          uuid.New(),
		ISBN:        nb.ISBN,
		Title:       nb.Title,
		Author:      nb.Author,
		CategoryID:  nb.CategoryID,
		TotalCopies: nb.TotalCopies,
		At:          now,
	}
	if err := c.append(ctx, p, ev.ID, aggregateBook, 0, eventBookAdded, ev); err != nil {
		return nil, err
	}

	book := c.applyBookAdded(ev)
	c.logger.Info("book added",
		zap.Stringer("book_id", book.ID),
		zap.String("isbn", book.ISBN),
		zap.Int("total_copies", book.TotalCopies))
	return &book, nil
}

func (c *Catalog) applyBookAdded(ev BookAddedEvent) Book {
	book := Book{
		ID:              ev.ID,
		ISBN:            ev.ISBN,
		Title:           ev.Title,
		Author:          ev.Author,
		CategoryID:      ev.CategoryID,
		TotalCopies:     ev.TotalCopies,
		AvailableCopies: ev.TotalCopies,
		Version:         1,
		CreatedAt:       ev.At,
		UpdatedAt:       ev.At,
	}
	c.isbns[book.ISBN] = book.ID
	c.ledger.insert(book)
	return book
}

// GetBook retrieves a book by its ID.
func (c *Catalog) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	b, err := c.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBook edits a title. A new total is reconciled through the ledger
// rules: available copies move by the same difference and may not go negative.
func (c *Catalog) UpdateBook(ctx context.Context, p auth.Principal, id uuid.UUID, upd BookUpdate) (*Book, error) {
	if err := p.RequireLibrarian(); err != nil {
		return nil, err
	}
	if upd.CategoryID != nil && !c.hasCategory(*upd.CategoryID) {
		return nil, fmt.Errorf("category %d does not exist: %w", *upd.CategoryID, apperr.ErrInvalidArgument)
	}

	edit := func(next *Book) error {
		if upd.Title != nil {
			next.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Author != nil {
			next.Author = strings.TrimSpace(*upd.Author)
		}
		if next.Title == "" || next.Author == "" {
			return fmt.Errorf("title and author must not be empty: %w", apperr.ErrInvalidArgument)
		}
		if upd.CategoryID != nil {
			next.CategoryID = *upd.CategoryID
		}
		next.UpdatedAt = c.now().UTC()

		ev := BookUpdatedEvent{
			ID:          id,
			Title:       next.Title,
			Author:      next.Author,
			CategoryID:  next.CategoryID,
			TotalCopies: next.TotalCopies,
			At:          next.UpdatedAt,
		}
		if err := c.append(ctx, p, id, aggregateBook, next.Version, eventBookUpdated, ev); err != nil {
			return err
		}
		next.Version++
		return nil
	}

	var (
		out Book
		err error
	)
	if upd.TotalCopies != nil {
		out, err = c.ledger.AdjustTotal(ctx, id, *upd.TotalCopies, edit)
	} else {
		out, err = c.ledger.update(id, edit)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("book updated",
		zap.Stringer("book_id", id),
		zap.Int("total_copies", out.TotalCopies),
		zap.Int("available_copies", out.AvailableCopies))
	return &out, nil
}

// DeleteBook removes a title. Every outstanding issue record holds one
// reserved copy, so a book with copies off the shelf is still referenced and
// cannot be removed.
func (c *Catalog) DeleteBook(ctx context.Context, p auth.Principal, id uuid.UUID) error {
	if err := p.RequireLibrarian(); err != nil {
		return err
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	e, err := c.ledger.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("book %s: %w", id, apperr.ErrNotFound)
	}
	if onLoan := e.book.OnLoan(); onLoan > 0 {
		return fmt.Errorf("book %s has %d copies out: %w", id, onLoan, apperr.ErrBookInUse)
	}

	ev := BookRemovedEvent{ID: id, At: c.now().UTC()}
	if err := c.append(ctx, p, id, aggregateBook, e.book.Version, eventBookRemoved, ev); err != nil {
		return err
	}
	delete(c.isbns, e.book.ISBN)
	c.ledger.remove(e)

	c.logger.Info("book removed", zap.Stringer("book_id", id))
	return nil
}

// AddCategory creates a category. Names are unique ignoring case.
func (c *Catalog) AddCategory(ctx context.Context, p auth.Principal, name string) (*Category, error) {
	if err := p.RequireLibrarian(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("category name is required: %w", apperr.ErrInvalidArgument)
	}

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	c.catMu.RLock()
	for _, cat := range c.categories {
		if strings.EqualFold(cat.Name, name) {
			c.catMu.RUnlock()
			return nil, fmt.Errorf("category %q: %w", name, apperr.ErrDuplicateName)
		}
	}
	version := c.catVersion
	c.catMu.RUnlock()

	ev := CategoryAddedEvent{ID: int64(version + 1), Name: name}
	if err := c.append(ctx, p, categoriesAggregateID, aggregateCategory, version, eventCategoryAdded, ev); err != nil {
		return nil, err
	}
	cat := c.applyCategoryAdded(ev)
	return &cat, nil
}

func (c *Catalog) applyCategoryAdded(ev CategoryAddedEvent) Category {
	cat := Category{ID: ev.ID, Name: ev.Name}
	c.catMu.Lock()
	c.categories[cat.ID] = cat
	c.catVersion++
	c.catMu.Unlock()
	return cat
}

// ListCategories returns all categories ordered by name.
func (c *Catalog) ListCategories(ctx context.Context) ([]Category, error) {
	c.catMu.RLock()
	out := make([]Category, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat)
	}
	c.catMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *Catalog) hasCategory(id int64) bool {
	c.catMu.RLock()
	defer c.catMu.RUnlock()
	_, ok := c.categories[id]
	return ok
}

// Apply replays one journaled catalog event. Events of other aggregates are ignored.
func (c *Catalog) Apply(e eventstore.Event) error {
	switch e.EventType {
	case eventBookAdded:
		var ev BookAddedEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		c.indexMu.Lock()
		c.applyBookAdded(ev)
		c.indexMu.Unlock()

	case eventBookUpdated:
		var ev BookUpdatedEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		return c.ledger.withBook(ev.ID, func(b *Book) error {
			b.Title = ev.Title
			b.Author = ev.Author
			b.CategoryID = ev.CategoryID
			if err := setTotal(b, ev.TotalCopies); err != nil {
				return err
			}
			b.UpdatedAt = ev.At
			b.Version = e.Version
			return nil
		})

	case eventBookRemoved:
		var ev BookRemovedEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		c.indexMu.Lock()
		defer c.indexMu.Unlock()
		entry, err := c.ledger.lookup(ev.ID)
		if err != nil {
			return err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		delete(c.isbns, entry.book.ISBN)
		c.ledger.remove(entry)

	case eventCategoryAdded:
		var ev CategoryAddedEvent
		if err := e.Decode(&ev); err != nil {
			return err
		}
		c.applyCategoryAdded(ev)
	}
	return nil
}
