// internal/auth/principal.go
package auth

import (
	"context"
	"fmt"
	"lendingdesk/internal/apperr"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Role is the role attribute supplied by the identity provider.
type Role string

const (
	RoleMember    Role = "MEMBER"
	RoleLibrarian Role = "LIBRARIAN"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}

func (p Principal) IsLibrarian() bool { return p.Role == RoleLibrarian }
func (p Principal) IsMember() bool    { return p.Role == RoleMember }

// RequireLibrarian fails with ErrForbidden unless p is a librarian.
func (p Principal) RequireLibrarian() error {
	if !p.IsLibrarian() {
		return fmt.Errorf("librarian role required: %w", apperr.ErrForbidden)
	}
	return nil
}

// RequireSelf fails with ErrForbidden unless p is the member identified by userID.
func (p Principal) RequireSelf(userID uuid.UUID) error {
	if !p.IsMember() || p.UserID != userID {
		return fmt.Errorf("caller may only act on their own behalf: %w", apperr.ErrForbidden)
	}
	return nil
}

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

// ParsePrincipal reads the identity headers set by the upstream identity provider.
func ParsePrincipal(r *http.Request) (Principal, error) {
	id, err := uuid.Parse(r.Header.Get(HeaderUserID))
	if err != nil {
		return Principal{}, fmt.Errorf("invalid %s header: %w", HeaderUserID, apperr.ErrUnauthorized)
	}
	role := Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderRole))))
	if role != RoleMember && role != RoleLibrarian {
		return Principal{}, fmt.Errorf("invalid %s header: %w", HeaderRole, apperr.ErrUnauthorized)
	}
	return Principal{UserID: id, Role: role}, nil
}

// Middleware rejects requests without a valid principal and stores it in the
// request context otherwise. Identity verification happens upstream.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePrincipal(r)
		if err != nil {
			apperr.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
