package middleware

import (
	"net/http"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/pkg/models"
)

// SessionCookie names the admin session cookie. The session token is
// also accepted as a bearer token for non-browser clients.
const SessionCookie = "cortex_session"

// SessionToken extracts the admin session token from a request.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return auth.BearerToken(r)
}

// AdminSession gates the admin API behind a valid admin session.
func AdminSession(sm *auth.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := sm.Validate(r.Context(), SessionToken(r))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, models.APIError{
					Message: "admin session required",
					Type:    models.ErrTypeAuthentication,
				})
				return
			}
			principal := &auth.Principal{User: user}
			if !principal.Admin() {
				writeError(w, r, http.StatusForbidden, models.APIError{
					Message: "admin role required",
					Type:    models.ErrTypePermission,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// UserSession is like AdminSession but admits any authenticated user.
// Self-service key management uses it.
func UserSession(sm *auth.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := sm.Validate(r.Context(), SessionToken(r))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, models.APIError{
					Message: "session required",
					Type:    models.ErrTypeAuthentication,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{User: user})))
		})
	}
}
