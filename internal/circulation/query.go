// internal/circulation/query.go
package circulation

import (
	"bytes"
	"context"
	"fmt"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/pagination"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Scope selects which issue records a listing covers.
type Scope string

const (
	ScopeMyActive       Scope = "my-active"
	ScopeMyHistory      Scope = "my-history"
	ScopePendingIssues  Scope = "pending-issues"
	ScopePendingReturns Scope = "pending-returns"
	ScopeOverdue        Scope = "overdue"
	ScopeFullHistory    Scope = "full-history"
)

type scopeRule struct {
	librarian bool
	oldest    bool
	match     func(r IssueRecord, p auth.Principal, now time.Time) bool
}

var scopes = map[Scope]scopeRule{
	ScopeMyActive: {
		match: func(r IssueRecord, p auth.Principal, _ time.Time) bool {
			return r.UserID == p.UserID && (r.Status.OnLoan() || r.Status == StatusReturnRequested)
		},
	},
	ScopeMyHistory: {
		match: func(r IssueRecord, p auth.Principal, _ time.Time) bool {
			return r.UserID == p.UserID && r.Status.Terminal()
		},
	},
	ScopePendingIssues: {
		librarian: true,
		oldest:    true,
		match: func(r IssueRecord, _ auth.Principal, _ time.Time) bool {
			return r.Status == StatusRequested
		},
	},
	ScopePendingReturns: {
		librarian: true,
		oldest:    true,
		match: func(r IssueRecord, _ auth.Principal, _ time.Time) bool {
			return r.Status == StatusReturnRequested
		},
	},
	ScopeOverdue: {
		librarian: true,
		match: func(r IssueRecord, _ auth.Principal, now time.Time) bool {
			return r.IsOverdue(now)
		},
	},
	ScopeFullHistory: {
		librarian: true,
		match: func(IssueRecord, auth.Principal, time.Time) bool {
			return true
		},
	},
}

// RecordQuery selects and pages issue records.
type RecordQuery struct {
	Scope Scope
	Page  int
	Size  int
}

// RecordPage is one page of an issue record listing.
type RecordPage struct {
	Scope Scope           `json:"scope"`
	Items []IssueRecord   `json:"items"`
	Meta  pagination.Meta `json:"meta"`
}

// ListRecords returns one page of the records in q.Scope. Pending scopes
// list the oldest request first, the others the newest; ties go by id.
func (e *Engine) ListRecords(ctx context.Context, p auth.Principal, q RecordQuery) (*RecordPage, error) {
	sc, ok := scopes[q.Scope]
	if !ok {
		return nil, fmt.Errorf("unknown scope %q: %w", q.Scope, apperr.ErrInvalidArgument)
	}
	if sc.librarian {
		if err := p.RequireLibrarian(); err != nil {
			return nil, err
		}
	}

	now := e.clock.Now()
	var matched []IssueRecord
	for _, r := range e.snapshot() {
		if sc.match(r, p, now) {
			r.Overdue = r.IsOverdue(now)
			matched = append(matched, r)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := sortTime(q.Scope, matched[i]), sortTime(q.Scope, matched[j])
		if !a.Equal(b) {
			if sc.oldest {
				return a.Before(b)
			}
			return a.After(b)
		}
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})

	params := pagination.New(q.Page, q.Size)
	start, end := params.Bounds(len(matched))
	items := make([]IssueRecord, end-start)
	copy(items, matched[start:end])
	return &RecordPage{
		Scope: q.Scope,
		Items: items,
		Meta:  pagination.GetMeta(params, len(matched)),
	}, nil
}

func sortTime(s Scope, r IssueRecord) time.Time {
	if s == ScopePendingReturns && r.ReturnRequestedAt != nil {
		return *r.ReturnRequestedAt
	}
	return r.IssueRequestedAt
}

// GetRecord returns one record. Members may only read their own.
func (e *Engine) GetRecord(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error) {
	r, err := e.record(recordID)
	if err != nil {
		return nil, err
	}
	if !p.IsLibrarian() {
		if err := p.RequireSelf(r.UserID); err != nil {
			return nil, err
		}
	}
	return e.present(r), nil
}

// MemberDashboard summarizes one member's loans.
type MemberDashboard struct {
	CurrentlyIssued       int   `json:"currently_issued"`
	PendingIssueRequests  int   `json:"pending_issue_requests"`
	PendingReturnRequests int   `json:"pending_return_requests"`
	Overdue               int   `json:"overdue"`
	TotalFine             int64 `json:"total_fine"`
}

// LibrarianDashboard summarizes the whole library.
type LibrarianDashboard struct {
	TotalBooks            int `json:"total_books"`
	TotalCopies           int `json:"total_copies"`
	AvailableCopies       int `json:"available_copies"`
	IssuedBooks           int `json:"issued_books"`
	PendingIssueRequests  int `json:"pending_issue_requests"`
	PendingReturnRequests int `json:"pending_return_requests"`
	Overdue               int `json:"overdue"`
}

// MemberDashboard counts the caller's records. A copy still with the member
// while the return awaits a decision counts as issued.
func (e *Engine) MemberDashboard(ctx context.Context, p auth.Principal) (*MemberDashboard, error) {
	if !p.IsMember() {
		return nil, fmt.Errorf("member role required: %w", apperr.ErrForbidden)
	}
	now := e.clock.Now()
	var d MemberDashboard
	for _, r := range e.snapshot() {
		if r.UserID != p.UserID {
			continue
		}
		switch r.Status {
		case StatusRequested:
			d.PendingIssueRequests++
		case StatusReturnRequested:
			d.PendingReturnRequests++
			d.CurrentlyIssued++
		case StatusIssued, StatusReturnRejected:
			d.CurrentlyIssued++
		case StatusReturned:
			d.TotalFine += r.FineAmount
		}
		if r.IsOverdue(now) {
			d.Overdue++
		}
	}
	return &d, nil
}

// LibrarianDashboard combines shelf totals with record counts. The two are
// read separately and may disagree briefly under concurrent transitions.
func (e *Engine) LibrarianDashboard(ctx context.Context, p auth.Principal) (*LibrarianDashboard, error) {
	if err := p.RequireLibrarian(); err != nil {
		return nil, err
	}
	totals := e.inventory.Totals()
	d := LibrarianDashboard{
		TotalBooks:      totals.Books,
		TotalCopies:     totals.Copies,
		AvailableCopies: totals.AvailableCopies,
	}
	now := e.clock.Now()
	for _, r := range e.snapshot() {
		switch r.Status {
		case StatusRequested:
			d.PendingIssueRequests++
		case StatusReturnRequested:
			d.PendingReturnRequests++
			d.IssuedBooks++
		case StatusIssued, StatusReturnRejected:
			d.IssuedBooks++
		}
		if r.IsOverdue(now) {
			d.Overdue++
		}
	}
	return &d, nil
}

func (e *Engine) snapshot() []IssueRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]IssueRecord, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r)
	}
	return out
}
