package middleware

import (
	"net/http"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/pkg/models"
)

// KeyOrSession admits a request carrying either an API key of any
// scope or a valid session. The model listing uses it.
func KeyOrSession(a *auth.Authenticator, sm *auth.SessionManager, met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, err := sm.Validate(r.Context(), SessionToken(r)); err == nil {
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{User: user})))
				return
			}
			principal, err := a.AuthenticateKey(r.Context(), r)
			if err != nil {
				met.AuthBlocked.WithLabelValues(string(auth.ReasonInvalidCredentials)).Inc()
				writeError(w, r, http.StatusUnauthorized, models.APIError{
					Message: "an API key or session is required",
					Type:    models.ErrTypeAuthentication,
				})
				return
			}
			met.AuthAllowed.Inc()
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}
