package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cortexhub/cortex/internal/lifecycle"
	"github.com/cortexhub/cortex/internal/store"
	"github.com/cortexhub/cortex/pkg/models"
)

func modelID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "modelID"), 10, 64)
	return id, err == nil && id > 0
}

// respondLifecycleErr maps controller errors: illegal transitions are
// 409, unknown models 404, validation problems 400.
func respondLifecycleErr(w http.ResponseWriter, r *http.Request, err error) {
	var it *lifecycle.ErrIllegalTransition
	switch {
	case errors.As(err, &it):
		respondErr(w, r, http.StatusConflict, models.APIError{
			Message: err.Error(),
			Type:    models.ErrTypeInvalidRequest,
		})
	case store.IsNotFound(err) || store.IsConflict(err):
		respondStoreErr(w, r, err)
	default:
		badRequest(w, r, err.Error())
	}
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListModels(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	m, err := h.Store.GetModel(r.Context(), id)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) CreateModel(w http.ResponseWriter, r *http.Request) {
	var m models.Model
	if err := decodeBody(r, &m); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	if err := h.Controller.Create(r.Context(), &m); err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (h *Handlers) UpdateModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	var m models.Model
	if err := decodeBody(r, &m); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	m.ID = id
	if err := h.Controller.Update(r.Context(), &m); err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	if err := h.Controller.Delete(r.Context(), id); err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) StartModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	if err := h.Controller.Start(r.Context(), id); err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	m, err := h.Store.GetModel(r.Context(), id)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, m)
}

func (h *Handlers) StopModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	if err := h.Controller.Stop(r.Context(), id); err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	m, err := h.Store.GetModel(r.Context(), id)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (h *Handlers) TestModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	res, err := h.Controller.Test(r.Context(), id)
	if err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) ModelLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	tail := 0
	if t := r.URL.Query().Get("tail"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 {
			badRequest(w, r, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	logs, err := h.Controller.Logs(r.Context(), id, tail)
	if err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (h *Handlers) DryRunModel(w http.ResponseWriter, r *http.Request) {
	id, ok := modelID(r)
	if !ok {
		badRequest(w, r, "model id must be a positive integer")
		return
	}
	res, err := h.Controller.DryRun(r.Context(), id)
	if err != nil {
		respondLifecycleErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
