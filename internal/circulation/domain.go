// internal/circulation/domain.go
package circulation

import (
	"fmt"
	"lendingdesk/internal/apperr"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an issue record.
type Status string

const (
	StatusRequested       Status = "REQUESTED"
	StatusIssued          Status = "ISSUED"
	StatusIssueRejected   Status = "ISSUE_REJECTED"
	StatusReturnRequested Status = "RETURN_REQUESTED"
	StatusReturnRejected  Status = "RETURN_REJECTED"
	StatusReturned        Status = "RETURNED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusIssueRejected || s == StatusReturned
}

// OnLoan reports whether a copy is with the member. A rejected return puts
// the record back to the equivalent of ISSUED.
func (s Status) OnLoan() bool {
	return s == StatusIssued || s == StatusReturnRejected
}

// Transition names a lifecycle step.
type Transition string

const (
	TransitionRequestIssue  Transition = "request_issue"
	TransitionApproveIssue  Transition = "approve_issue"
	TransitionRejectIssue   Transition = "reject_issue"
	TransitionRequestReturn Transition = "request_return"
	TransitionApproveReturn Transition = "approve_return"
	TransitionRejectReturn  Transition = "reject_return"
)

type rule struct {
	from []Status
	to   Status
}

// transitions is the whole state machine. Request issue creates records in
// StatusRequested and is not listed.
var transitions = map[Transition]rule{
	TransitionApproveIssue:  {from: []Status{StatusRequested}, to: StatusIssued},
	TransitionRejectIssue:   {from: []Status{StatusRequested}, to: StatusIssueRejected},
	TransitionRequestReturn: {from: []Status{StatusIssued, StatusReturnRejected}, to: StatusReturnRequested},
	TransitionApproveReturn: {from: []Status{StatusReturnRequested}, to: StatusReturned},
	TransitionRejectReturn:  {from: []Status{StatusReturnRequested}, to: StatusReturnRejected},
}

// Next returns the status t leads to from s, or ErrInvalidTransition.
func (t Transition) Next(s Status) (Status, error) {
	r, ok := transitions[t]
	if !ok {
		return "", fmt.Errorf("unknown transition %q: %w", t, apperr.ErrInvalidTransition)
	}
	for _, from := range r.from {
		if from == s {
			return r.to, nil
		}
	}
	return "", fmt.Errorf("%s from %s: %w", t, s, apperr.ErrInvalidTransition)
}

// IssueRecord is one member's request to borrow one copy of a book, and
// everything that happened to it afterwards. Fines are in minor currency units.
type IssueRecord struct {
	ID                uuid.UUID  `json:"id"`
	BookID            uuid.UUID  `json:"book_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Status            Status     `json:"status"`
	IssueRequestedAt  time.Time  `json:"issue_requested_at"`
	IssueDecidedAt    *time.Time `json:"issue_decided_at,omitempty"`
	IssueDate         *time.Time `json:"issue_date,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	ReturnRequestedAt *time.Time `json:"return_requested_at,omitempty"`
	ReturnDecidedAt   *time.Time `json:"return_decided_at,omitempty"`
	ReturnDate        *time.Time `json:"return_date,omitempty"`
	FineAmount        int64      `json:"fine_amount"`
	DecisionReason    string     `json:"decision_reason,omitempty"`
	Overdue           bool       `json:"overdue"`
	Version           int        `json:"version"`
}

// IsOverdue reports whether the record is on loan past its due date at now.
func (r IssueRecord) IsOverdue(now time.Time) bool {
	return r.Status.OnLoan() && r.DueDate != nil && now.After(*r.DueDate)
}

// Policy holds the lending rules applied on approval and return.
type Policy struct {
	LoanPeriod     time.Duration
	FineRatePerDay int64
}

const aggregateIssueRecord = "issue_record"

const (
	eventIssueRequested  = "IssueRequested"
	eventIssueApproved   = "IssueApproved"
	eventIssueRejected   = "IssueRejected"
	eventReturnRequested = "ReturnRequested"
	eventReturnApproved  = "ReturnApproved"
	eventReturnRejected  = "ReturnRejected"
)

// IssueRequestedEvent is journaled when a member requests a book.
type IssueRequestedEvent struct {
	RecordID uuid.UUID `json:"record_id"`
	BookID   uuid.UUID `json:"book_id"`
	UserID   uuid.UUID `json:"user_id"`
	At       time.Time `json:"at"`
}

// IssueApprovedEvent is journaled when a librarian lends the copy.
type IssueApprovedEvent struct {
	RecordID uuid.UUID `json:"record_id"`
	At       time.Time `json:"at"`
	DueDate  time.Time `json:"due_date"`
}

// DecisionEvent is journaled for reject issue, return request and reject
// return. Reason is empty where none applies.
type DecisionEvent struct {
	RecordID uuid.UUID `json:"record_id"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
}

// ReturnApprovedEvent is journaled when the copy is back on the shelf.
type ReturnApprovedEvent struct {
	RecordID   uuid.UUID `json:"record_id"`
	At         time.Time `json:"at"`
	FineAmount int64     `json:"fine_amount"`
	Remarks    string    `json:"remarks,omitempty"`
}
