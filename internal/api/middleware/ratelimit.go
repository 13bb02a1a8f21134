package middleware

import (
	"net"
	"net/http"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/ratelimit"
	"github.com/cortexhub/cortex/pkg/models"
)

// RateLimit admits requests against the shared token bucket. Subjects
// are API key ids for authenticated callers, client IPs otherwise; the
// middleware must therefore run after KeyAuth.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Admit(r.Context(), limitSubject(r))
			if !d.Allowed {
				retrySec := int(d.RetryAfter.Seconds())
				if retrySec < 1 {
					retrySec = 1
				}
				writeError(w, r, http.StatusTooManyRequests, models.APIError{
					Message:      "rate limit exceeded",
					Type:         models.ErrTypeRateLimit,
					RetryAfter:   retrySec,
					RetryAfterMS: d.RetryAfter.Milliseconds(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitSubject(r *http.Request) string {
	if p := auth.PrincipalFrom(r.Context()); p != nil && p.Key != nil {
		return p.Key.ID
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return "ip:" + host
}
