// internal/circulation/service.go
package circulation

import (
	"context"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation service.
type Service interface {
	RequestIssue(ctx context.Context, p auth.Principal, bookID, userID uuid.UUID) (*IssueRecord, error)
	ApproveIssue(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error)
	RejectIssue(ctx context.Context, p auth.Principal, recordID uuid.UUID, reason string) (*IssueRecord, error)
	RequestReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error)
	ApproveReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID, remarks string) (*IssueRecord, error)
	RejectReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID, reason string) (*IssueRecord, error)

	GetRecord(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error)
	ListRecords(ctx context.Context, p auth.Principal, q RecordQuery) (*RecordPage, error)
	MemberDashboard(ctx context.Context, p auth.Principal) (*MemberDashboard, error)
	LibrarianDashboard(ctx context.Context, p auth.Principal) (*LibrarianDashboard, error)
}

// Inventory is the part of the catalog ledger the engine drives. Commit
// callbacks run under the book's lock and decide whether the counter moves.
type Inventory interface {
	Reserve(ctx context.Context, bookID, recordID uuid.UUID, commit func(catalog.Reservation) error) (catalog.Reservation, error)
	Release(ctx context.Context, bookID uuid.UUID, commit func() error) error
	Totals() catalog.Totals
}
