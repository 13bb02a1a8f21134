package middleware

import (
	"errors"
	"net/http"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/metrics"
	"github.com/cortexhub/cortex/pkg/models"
)

// KeyAuth authenticates inference requests with an API key and enforces
// the scope required by the path. Rejections never distinguish an
// unknown key prefix from a bad secret.
func KeyAuth(a *auth.Authenticator, met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.AuthenticateKey(r.Context(), r)
			if err != nil {
				reason := auth.ReasonInvalidCredentials
				var ae *auth.Error
				if errors.As(err, &ae) {
					reason = ae.Reason
				}
				met.AuthBlocked.WithLabelValues(string(reason)).Inc()
				writeError(w, r, authStatus(reason), authError(reason))
				return
			}
			met.AuthAllowed.Inc()
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

func authStatus(reason auth.Reason) int {
	if reason == auth.ReasonScopeNotPermitted {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func authError(reason auth.Reason) models.APIError {
	switch reason {
	case auth.ReasonMissingCredentials:
		return models.APIError{
			Message: "missing API key; pass it as Authorization: Bearer or X-API-Key",
			Type:    models.ErrTypeAuthentication,
		}
	case auth.ReasonRevoked:
		return models.APIError{
			Message: "API key has been revoked",
			Type:    models.ErrTypeAuthentication,
		}
	case auth.ReasonExpired:
		return models.APIError{
			Message: "API key has expired",
			Type:    models.ErrTypeAuthentication,
		}
	case auth.ReasonIPNotAllowed:
		return models.APIError{
			Message: "request origin is not on the key's IP allowlist",
			Type:    models.ErrTypeAuthentication,
			Code:    models.ErrCodeIPNotAllowed,
		}
	case auth.ReasonScopeNotPermitted:
		return models.APIError{
			Message: "API key scope does not permit this endpoint",
			Type:    models.ErrTypePermission,
			Code:    models.ErrCodeScopeNotPermitted,
		}
	default:
		return models.APIError{
			Message: "invalid API key",
			Type:    models.ErrTypeAuthentication,
		}
	}
}
