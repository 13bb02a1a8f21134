package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cortexhub/cortex/pkg/models"
)

// ListConfig handles GET /admin/config: the runtime-tunable key/value
// overrides (CORS origins and similar).
func (h *Handlers) ListConfig(w http.ResponseWriter, r *http.Request) {
	kvs, err := h.Store.ListConfigKV(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, kvs)
}

func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	kv, err := h.Store.GetConfigKV(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, kv)
}

func (h *Handlers) SetConfig(w http.ResponseWriter, r *http.Request) {
	var value json.RawMessage
	if err := decodeBody(r, &value); err != nil || len(value) == 0 {
		badRequest(w, r, "body must be a JSON value")
		return
	}
	kv := &models.ConfigKV{
		Key:       chi.URLParam(r, "key"),
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.Store.SetConfigKV(r.Context(), kv); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, kv)
}
