// internal/circulation/ratelimit.go
package circulation

import (
	"fmt"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MemberLimiter throttles issue requests per member.
type MemberLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewMemberLimiter allows perMinute requests per member with the given
// burst. A non-positive perMinute means no limit.
func NewMemberLimiter(perMinute, burst int) *MemberLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &MemberLimiter{
		limiters: make(map[uuid.UUID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether userID may make another request now.
func (m *MemberLimiter) Allow(userID uuid.UUID) bool {
	m.mu.Lock()
	l, ok := m.limiters[userID]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[userID] = l
	}
	m.mu.Unlock()
	return l.Allow()
}

// Middleware answers 429 once the caller has used up their allowance.
// It must run after auth.Middleware.
func (m *MemberLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.FromContext(r.Context())
		if !m.Allow(p.UserID) {
			apperr.WriteError(w, fmt.Errorf("issue requests by %s: %w", p.UserID, apperr.ErrRateLimited))
			return
		}
		next.ServeHTTP(w, r)
	})
}
