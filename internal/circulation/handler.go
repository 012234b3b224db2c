// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"io"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/pagination"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
	limiter *MemberLimiter
}

// NewHandler builds the lending endpoints. A nil limiter disables throttling.
func NewHandler(service Service, limiter *MemberLimiter) *Handler {
	return &Handler{service: service, limiter: limiter}
}

// Routes mounts the issue request, issue record and dashboard endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/issue-requests", h.HandleRequestIssue)
	})
	r.Route("/issue-records", func(r chi.Router) {
		r.Get("/", h.HandleListRecords)
		r.Get("/{id}", h.HandleGetRecord)
		r.Post("/{id}/approve-issue", h.HandleApproveIssue)
		r.Post("/{id}/reject-issue", h.HandleRejectIssue)
		r.Post("/{id}/return-request", h.HandleRequestReturn)
		r.Post("/{id}/approve-return", h.HandleApproveReturn)
		r.Post("/{id}/reject-return", h.HandleRejectReturn)
	})
	r.Get("/dashboard", h.HandleDashboard)
}

// HandleRequestIssue opens a request for the caller unless user_id names
// someone else, which the engine refuses.
func (h *Handler) HandleRequestIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID uuid.UUID  `json:"book_id"`
		UserID *uuid.UUID `json:"user_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := principal(r)
	userID := p.UserID
	if req.UserID != nil {
		userID = *req.UserID
	}
	rec, err := h.service.RequestIssue(r.Context(), p, req.BookID, userID)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) HandleApproveIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK)(h.service.ApproveIssue(r.Context(), principal(r), id))
}

func (h *Handler) HandleRejectIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.service.RejectIssue(r.Context(), principal(r), id, req.Reason))
}

func (h *Handler) HandleRequestReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK)(h.service.RequestReturn(r.Context(), principal(r), id))
}

func (h *Handler) HandleApproveReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req struct {
		Remarks string `json:"remarks"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.service.ApproveReturn(r.Context(), principal(r), id, req.Remarks))
}

func (h *Handler) HandleRejectReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	h.respond(w, http.StatusOK)(h.service.RejectReturn(r.Context(), principal(r), id, req.Reason))
}

func (h *Handler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	h.respond(w, http.StatusOK)(h.service.GetRecord(r.Context(), principal(r), id))
}

func (h *Handler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	pg := pagination.FromRequest(r)
	q := RecordQuery{Scope: Scope(r.URL.Query().Get("scope")), Page: pg.Page, Size: pg.Size}

	page, err := h.service.ListRecords(r.Context(), principal(r), q)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, page)
}

// HandleDashboard answers with the view matching the caller's role.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var (
		v   interface{}
		err error
	)
	if p.IsLibrarian() {
		v, err = h.service.LibrarianDashboard(r.Context(), p)
	} else {
		v, err = h.service.MemberDashboard(r.Context(), p)
	}
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) respond(w http.ResponseWriter, status int) func(*IssueRecord, error) {
	return func(rec *IssueRecord, err error) {
		if err != nil {
			apperr.WriteError(w, err)
			return
		}
		apperr.WriteJSON(w, status, rec)
	}
}

// decodeOptional reads a JSON body if there is one. An empty body leaves v untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func recordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid issue record ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
