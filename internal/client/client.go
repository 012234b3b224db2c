// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
)

// Client calls the lending API as one principal. Error responses come back
// wrapping the matching apperr sentinel, so callers can use errors.Is.
type Client struct {
	baseURL    string
	principal  auth.Principal
	httpClient *http.Client
}

func New(baseURL string, p auth.Principal, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, principal: p, httpClient: httpClient}
}

// As returns a client for the same server acting as p.
func (c *Client) As(p auth.Principal) *Client {
	return &Client{baseURL: c.baseURL, principal: p, httpClient: c.httpClient}
}

func (c *Client) Principal() auth.Principal { return c.principal }

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap exposes the sentinel named by the response code.
func (e *StatusError) Unwrap() error {
	return apperr.FromCode(e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderUserID, c.principal.UserID.String())
	req.Header.Set(auth.HeaderRole, string(c.principal.Role))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
			se.Code, se.Message = eb.Code, eb.Message
		}
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) AddCategory(ctx context.Context, name string) (*catalog.Category, error) {
	var out catalog.Category
	if err := c.do(ctx, http.MethodPost, "/categories", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AddBook(ctx context.Context, nb catalog.NewBook) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodPost, "/books", nb, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodGet, "/books/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateBook(ctx context.Context, id uuid.UUID, upd catalog.BookUpdate) (*catalog.Book, error) {
	var out catalog.Book
	if err := c.do(ctx, http.MethodPatch, "/books/"+id.String(), upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteBook(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/books/"+id.String(), nil, nil)
}

func (c *Client) ListBooks(ctx context.Context, q catalog.BookQuery) (*catalog.BookPage, error) {
	v := url.Values{}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.CategoryID != nil {
		v.Set("category_id", strconv.FormatInt(*q.CategoryID, 10))
	}
	if q.SortBy != "" {
		v.Set("sort_by", q.SortBy)
	}
	if q.Desc {
		v.Set("order", "desc")
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Size > 0 {
		v.Set("size", strconv.Itoa(q.Size))
	}
	var out catalog.BookPage
	if err := c.do(ctx, http.MethodGet, "/books?"+v.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestIssue asks for a copy of bookID on the caller's own behalf.
func (c *Client) RequestIssue(ctx context.Context, bookID uuid.UUID) (*circulation.IssueRecord, error) {
	var out circulation.IssueRecord
	if err := c.do(ctx, http.MethodPost, "/issue-requests", map[string]uuid.UUID{"book_id": bookID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApproveIssue(ctx context.Context, id uuid.UUID) (*circulation.IssueRecord, error) {
	return c.recordAction(ctx, id, "approve-issue", nil)
}

func (c *Client) RejectIssue(ctx context.Context, id uuid.UUID, reason string) (*circulation.IssueRecord, error) {
	return c.recordAction(ctx, id, "reject-issue", map[string]string{"reason": reason})
}

func (c *Client) RequestReturn(ctx context.Context, id uuid.UUID) (*circulation.IssueRecord, error) {
	return c.recordAction(ctx, id, "return-request", nil)
}

func (c *Client) ApproveReturn(ctx context.Context, id uuid.UUID, remarks string) (*circulation.IssueRecord, error) {
	return c.recordAction(ctx, id, "approve-return", map[string]string{"remarks": remarks})
}

func (c *Client) RejectReturn(ctx context.Context, id uuid.UUID, reason string) (*circulation.IssueRecord, error) {
	return c.recordAction(ctx, id, "reject-return", map[string]string{"reason": reason})
}

func (c *Client) recordAction(ctx context.Context, id uuid.UUID, action string, in interface{}) (*circulation.IssueRecord, error) {
	var out circulation.IssueRecord
	if err := c.do(ctx, http.MethodPost, "/issue-records/"+id.String()+"/"+action, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetRecord(ctx context.Context, id uuid.UUID) (*circulation.IssueRecord, error) {
	var out circulation.IssueRecord
	if err := c.do(ctx, http.MethodGet, "/issue-records/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListRecords(ctx context.Context, scope circulation.Scope, page, size int) (*circulation.RecordPage, error) {
	v := url.Values{"scope": {string(scope)}}
	if page > 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		v.Set("size", strconv.Itoa(size))
	}
	var out circulation.RecordPage
	if err := c.do(ctx, http.MethodGet, "/issue-records?"+v.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MemberDashboard(ctx context.Context) (*circulation.MemberDashboard, error) {
	var out circulation.MemberDashboard
	if err := c.do(ctx, http.MethodGet, "/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LibrarianDashboard(ctx context.Context) (*circulation.LibrarianDashboard, error) {
	var out circulation.LibrarianDashboard
	if err := c.do(ctx, http.MethodGet, "/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Healthy reports whether the server answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}
