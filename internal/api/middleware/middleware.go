// Package middleware holds the HTTP middleware chain of the gateway:
// request ids, structured request logging, API key and admin session
// authentication, and rate limiting.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/pkg/models"
)

// RequestIDHeader carries the per-request id on responses.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a sortable unique id, exposes it on
// the response, and threads it through the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(auth.WithRequestID(r.Context(), id)))
	})
}

// writeError emits the OpenAI-shaped error envelope with the request id
// attached when known.
func writeError(w http.ResponseWriter, r *http.Request, status int, apiErr models.APIError) {
	apiErr.RequestID = auth.RequestIDFrom(r.Context())
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ErrorEnvelope{Error: apiErr})
}
