package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
	"github.com/fairyhunter13/outreach-orchestrator/internal/service/ratelimiter"
)

// DistributedRateLimit applies the shared Redis token bucket keyed by client
// id. A nil limiter disables the middleware; the per-replica httprate limiter
// remains the floor either way.
func DistributedRateLimit(limiter ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			allowed, retryAfter, err := limiter.Allow(r.Context(), claims.ClientID, 1)
			if err != nil {
				// Fail open; the limiter already logged.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				}
				writeError(w, r, fmt.Errorf("client %s over quota: %w", claims.ClientID, domain.ErrRateLimited), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
