package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/store"
)

// usageFilter builds a store filter from query parameters. Timestamps
// are RFC 3339.
func usageFilter(r *http.Request) (store.UsageFilter, bool) {
	q := r.URL.Query()
	f := store.UsageFilter{
		Model:       q.Get("model"),
		Task:        q.Get("task"),
		StatusClass: q.Get("status_class"),
		APIKeyID:    q.Get("api_key_id"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, false
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, false
		}
		f.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, false
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, false
		}
		f.Offset = n
	}
	return f, true
}

func (h *Handlers) QueryUsage(w http.ResponseWriter, r *http.Request) {
	f, ok := usageFilter(r)
	if !ok {
		badRequest(w, r, "invalid usage filter; timestamps are RFC 3339, limit and offset are non-negative integers")
		return
	}
	page, err := h.Meter.Query(r.Context(), f)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// ExportUsage streams matching usage rows as CSV, capped at the export
// limit.
func (h *Handlers) ExportUsage(w http.ResponseWriter, r *http.Request) {
	f, ok := usageFilter(r)
	if !ok {
		badRequest(w, r, "invalid usage filter; timestamps are RFC 3339, limit and offset are non-negative integers")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	rows, err := h.Meter.ExportCSV(r.Context(), w, f)
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		log.Error().Err(err).Int("rows", rows).Msg("usage export aborted")
	}
}
