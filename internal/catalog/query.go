// internal/catalog/query.go
package catalog

import (
	"bytes"
	"context"
	"lendingdesk/internal/pagination"
	"sort"
	"strings"
)

// Sort keys accepted by ListBooks.
const (
	SortByTitle           = "title"
	SortByAuthor          = "author"
	SortByCategoryID      = "category_id"
	SortByAvailableCopies = "available_copies"
)

// BookQuery filters, sorts and pages the book listing.
type BookQuery struct {
	Search     string
	CategoryID *int64
	SortBy     string
	Desc       bool
	Page       int
	Size       int
}

// BookPage is one page of the book listing.
type BookPage struct {
	Items []Book `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
	Size  int    `json:"size"`
	Pages int    `json:"pages"`
}

// ListBooks runs q against a snapshot of the catalog. Available copies may
// be stale by the time the caller reads them. An unknown sort key falls back
// to title; ties are broken by id ascending.
func (c *Catalog) ListBooks(ctx context.Context, q BookQuery) (*BookPage, error) {
	params := pagination.New(q.Page, q.Size)
	search := strings.ToLower(strings.TrimSpace(q.Search))

	var matched []Book
	for _, b := range c.ledger.snapshot() {
		if q.CategoryID != nil && b.CategoryID != *q.CategoryID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.Author), search) {
			continue
		}
		matched = append(matched, b)
	}

	cmp := bookComparator(q.SortBy)
	sort.Slice(matched, func(i, j int) bool {
		if d := cmp(matched[i], matched[j]); d != 0 {
			if q.Desc {
				return d > 0
			}
			return d < 0
		}
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})

	start, end := params.Bounds(len(matched))
	meta := pagination.GetMeta(params, len(matched))
	items := make([]Book, end-start)
	copy(items, matched[start:end])

	return &BookPage{
		Items: items,
		Total: meta.Total,
		Page:  meta.Page,
		Size:  meta.Size,
		Pages: meta.TotalPages,
	}, nil
}

func bookComparator(sortBy string) func(a, b Book) int {
	switch sortBy {
	case SortByAuthor:
		return func(a, b Book) int { return compareFold(a.Author, b.Author) }
	case SortByCategoryID:
		return func(a, b Book) int { return compareInt(a.CategoryID, b.CategoryID) }
	case SortByAvailableCopies:
		return func(a, b Book) int { return compareInt(int64(a.AvailableCopies), int64(b.AvailableCopies)) }
	default:
		return func(a, b Book) int { return compareFold(a.Title, b.Title) }
	}
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
