// internal/catalog/service.go
package catalog

import (
	"context"
	"lendingdesk/internal/auth"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service.
type Service interface {
	AddBook(ctx context.Context, p auth.Principal, nb NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateBook(ctx context.Context, p auth.Principal, id uuid.UUID, upd BookUpdate) (*Book, error)
	DeleteBook(ctx context.Context, p auth.Principal, id uuid.UUID) error
	ListBooks(ctx context.Context, q BookQuery) (*BookPage, error)

	AddCategory(ctx context.Context, p auth.Principal, name string) (*Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
}
