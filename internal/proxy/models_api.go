package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/cortexhub/cortex/pkg/models"
)

// ListModels handles GET /v1/models: the served names currently
// resolvable through the registry, deduplicated, in snapshot order.
func (p *Proxy) ListModels(w http.ResponseWriter, r *http.Request) {
	snap := p.reg.Snapshot()
	seen := map[string]bool{}
	list := models.ModelList{Object: "list", Data: []models.ModelInfo{}}
	for _, e := range snap {
		if seen[e.ServedName] {
			continue
		}
		seen[e.ServedName] = true
		list.Data = append(list.Data, models.ModelInfo{
			ID:      e.ServedName,
			Object:  "model",
			Created: e.Health.LastCheckAt.Unix(),
			OwnedBy: "cortex",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// ModelsStatus handles GET /v1/models/status: every registry entry with
// its health and breaker state, for status panels.
func (p *Proxy) ModelsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   p.reg.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
