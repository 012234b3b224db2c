package circulation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lendingdesk/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(f *fixture, limiter *MemberLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware)
	NewHandler(f.engine, limiter).Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, p auth.Principal, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(auth.HeaderUserID, p.UserID.String())
	req.Header.Set(auth.HeaderRole, string(p.Role))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) IssueRecord {
	t.Helper()
	var out IssueRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHandleLendingFlow(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f, nil)
	book := f.addBook(t, 1)
	m := newMember()

	rec := do(t, h, m, http.MethodPost, "/issue-requests", fmt.Sprintf(`{"book_id":%q}`, book))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeRecord(t, rec)
	assert.Equal(t, m.UserID, created.UserID)
	path := "/issue-records/" + created.ID.String()

	rec = do(t, h, m, http.MethodPost, path+"/approve-issue", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, librarian, http.MethodPost, path+"/approve-issue", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StatusIssued, decodeRecord(t, rec).Status)

	rec = do(t, h, librarian, http.MethodPost, path+"/approve-issue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TRANSITION")

	rec = do(t, h, m, http.MethodPost, path+"/return-request", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, librarian, http.MethodPost, path+"/reject-return", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_REASON")

	rec = do(t, h, librarian, http.MethodPost, path+"/reject-return", `{"reason":"pages missing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusReturnRejected, decodeRecord(t, rec).Status)

	rec = do(t, h, m, http.MethodPost, path+"/return-request", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, librarian, http.MethodPost, path+"/approve-return", `{"remarks":"ok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeRecord(t, rec)
	assert.Equal(t, StatusReturned, done.Status)
	assert.Equal(t, "ok", done.DecisionReason)

	rec = do(t, h, m, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusReturned, decodeRecord(t, rec).Status)
}

func TestHandleRequestIssueErrors(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f, nil)
	book := f.addBook(t, 1)
	a, b := newMember(), newMember()

	rec := do(t, h, a, http.MethodPost, "/issue-requests", fmt.Sprintf(`{"book_id":%q}`, book))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, b, http.MethodPost, "/issue-requests", fmt.Sprintf(`{"book_id":%q}`, book))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "OUT_OF_STOCK")

	rec = do(t, h, a, http.MethodPost, "/issue-requests", fmt.Sprintf(`{"book_id":%q}`, book))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "DUPLICATE_ACTIVE_LOAN")

	rec = do(t, h, a, http.MethodPost, "/issue-requests", fmt.Sprintf(`{"book_id":%q,"user_id":%q}`, book, b.UserID))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, a, http.MethodPost, "/issue-requests", `{"book_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, librarian, http.MethodPost, "/issue-records/nope/approve-issue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, librarian, http.MethodPost, "/issue-records/"+uuid.NewString()+"/approve-issue", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleIssueRequestRateLimit(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f, NewMemberLimiter(1, 2))
	m, other := newMember(), newMember()

	body := fmt.Sprintf(`{"book_id":%q}`, f.addBook(t, 5))
	for i := 0; i < 2; i++ {
		rec := do(t, h, m, http.MethodPost, "/issue-requests", body)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}
	rec := do(t, h, m, http.MethodPost, "/issue-requests", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")

	rec = do(t, h, other, http.MethodPost, "/issue-requests", body)
	assert.Equal(t, http.StatusCreated, rec.Code, "limits are per member")
}

func TestHandleListAndDashboard(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f, nil)
	m := newMember()
	f.issued(t, f.addBook(t, 2), m)

	rec := do(t, h, m, http.MethodGet, "/issue-records?scope=my-active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page RecordPage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.Meta.Total)

	rec = do(t, h, m, http.MethodGet, "/issue-records?scope=full-history", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, m, http.MethodGet, "/issue-records?scope=bogus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, m, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var md MemberDashboard
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&md))
	assert.Equal(t, 1, md.CurrentlyIssued)

	rec = do(t, h, librarian, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ld LibrarianDashboard
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ld))
	assert.Equal(t, 2, ld.TotalCopies)
	assert.Equal(t, 1, ld.IssuedBooks)
}

func TestHandleRequiresIdentity(t *testing.T) {
	f := newFixture(t)
	h := newRouter(f, nil)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
