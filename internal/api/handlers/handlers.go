// Package handlers implements the admin and auth HTTP handlers of the
// gateway. Inference endpoints live in the proxy package; everything
// here is session-authenticated control-plane surface.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/internal/deploy"
	"github.com/cortexhub/cortex/internal/lifecycle"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/internal/usage"
	"github.com/cortexhub/cortex/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      store.Store
	Sessions   *auth.SessionManager
	Controller *lifecycle.Controller
	Meter      *usage.Meter
	Deploy     *deploy.Manager
	Jobs       *deploy.Runner
	Version    string
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, sm *auth.SessionManager, ctl *lifecycle.Controller, meter *usage.Meter, dep *deploy.Manager, jobs *deploy.Runner, version string) *Handlers {
	return &Handlers{
		Store:      s,
		Sessions:   sm,
		Controller: ctl,
		Meter:      meter,
		Deploy:     dep,
		Jobs:       jobs,
		Version:    version,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondErr emits the OpenAI-shaped envelope used across the API.
func respondErr(w http.ResponseWriter, r *http.Request, status int, apiErr models.APIError) {
	apiErr.RequestID = auth.RequestIDFrom(r.Context())
	respondJSON(w, status, models.ErrorEnvelope{Error: apiErr})
}

// respondStoreErr maps store errors to 404/409, defaulting to 500.
func respondStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case store.IsNotFound(err):
		respondErr(w, r, http.StatusNotFound, models.APIError{
			Message: err.Error(),
			Type:    models.ErrTypeInvalidRequest,
		})
	case store.IsConflict(err):
		respondErr(w, r, http.StatusConflict, models.APIError{
			Message: err.Error(),
			Type:    models.ErrTypeInvalidRequest,
			Code:    models.ErrCodeNameConflict,
		})
	default:
		respondErr(w, r, http.StatusInternalServerError, models.APIError{
			Message: err.Error(),
			Type:    models.ErrTypeServer,
		})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	respondErr(w, r, http.StatusBadRequest, models.APIError{
		Message: msg,
		Type:    models.ErrTypeInvalidRequest,
	})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func principal(r *http.Request) *auth.Principal {
	return auth.PrincipalFrom(r.Context())
}
