// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Book is a lendable title and its copy counts.
type Book struct {
	ID              uuid.UUID `json:"id"`
	ISBN            string    `json:"isbn"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	CategoryID      int64     `json:"category_id"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OnLoan is the number of copies held by outstanding issue records.
func (b Book) OnLoan() int {
	return b.TotalCopies - b.AvailableCopies
}

// Category is reference data a book belongs to.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Reservation is the ledger's claim on one copy on behalf of an issue record.
type Reservation struct {
	BookID   uuid.UUID `json:"book_id"`
	RecordID uuid.UUID `json:"record_id"`
}

const (
	aggregateBook     = "book"
	aggregateCategory = "category"

	eventBookAdded     = "BookAdded"
	eventBookUpdated   = "BookUpdated"
	eventBookRemoved   = "BookRemoved"
	eventCategoryAdded = "CategoryAdded"
)

// categoriesAggregateID is the single aggregate all categories are journaled under.
var categoriesAggregateID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("lendingdesk/categories"))

// BookAddedEvent is journaled when a librarian adds a title.
type BookAddedEvent struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	CategoryID  int64     `json:"category_id"`
	TotalCopies int       `json:"total_copies"`
	At          time.Time `json:"at"`
}

// BookUpdatedEvent carries the full editable state after an update.
type BookUpdatedEvent struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	CategoryID  int64     `json:"category_id"`
	TotalCopies int       `json:"total_copies"`
	At          time.Time `json:"at"`
}

// BookRemovedEvent is journaled when a title is deleted.
type BookRemovedEvent struct {
	ID uuid.UUID `json:"id"`
	At time.Time `json:"at"`
}

// CategoryAddedEvent is journaled when a category is created.
type CategoryAddedEvent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NewBook is the input of AddBook.
type NewBook struct {
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	CategoryID  int64  `json:"category_id"`
	TotalCopies int    `json:"total_copies"`
}

// BookUpdate is the input of UpdateBook. Nil fields are left unchanged.
type BookUpdate struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	CategoryID  *int64  `json:"category_id,omitempty"`
	TotalCopies *int    `json:"total_copies,omitempty"`
}
