package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexhub/cortex/internal/auth"
	"github.com/cortexhub/cortex/pkg/models"
)

// ── Organizations ───────────────────────────────────────────

func (h *Handlers) ListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrgs(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orgs)
}

func (h *Handlers) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		badRequest(w, r, "name is required")
		return
	}
	org := &models.Organization{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateOrg(r.Context(), org); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, org)
}

func (h *Handlers) DeleteOrg(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteOrg(r.Context(), chi.URLParam(r, "orgID")); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Users ───────────────────────────────────────────────────

func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string      `json:"username"`
		Password string      `json:"password"`
		Role     models.Role `json:"role"`
		OrgID    string      `json:"org_id"`
	}
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Password == "" {
		badRequest(w, r, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleUser {
		badRequest(w, r, "role must be admin or user")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	user := &models.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Username:     req.Username,
		PasswordHash: hash,
		Role:         req.Role,
		OrgID:        req.OrgID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, user)
}

func (h *Handlers) UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role models.Role `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil || (req.Role != models.RoleAdmin && req.Role != models.RoleUser) {
		badRequest(w, r, "role must be admin or user")
		return
	}
	if err := h.Store.UpdateUserRole(r.Context(), chi.URLParam(r, "userID"), req.Role); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── API keys ────────────────────────────────────────────────

type createKeyRequest struct {
	Scopes      []models.Scope `json:"scopes"`
	IPAllowlist []string       `json:"ip_allowlist"`
	UserID      string         `json:"user_id"`
	OrgID       string         `json:"org_id"`
	ExpiresAt   *time.Time     `json:"expires_at"`
}

func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.ListKeys(r.Context())
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

// CreateKey mints a new API key. The full token appears exactly once,
// in this response; only its hash is stored.
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	key, token, ok := h.mintKey(w, r, req)
	if !ok {
		return
	}
	respondJSON(w, http.StatusCreated, models.APIKeyWithToken{APIKey: *key, Token: token})
}

func (h *Handlers) mintKey(w http.ResponseWriter, r *http.Request, req createKeyRequest) (*models.APIKey, string, bool) {
	if len(req.Scopes) == 0 {
		badRequest(w, r, "at least one scope is required")
		return nil, "", false
	}
	for _, s := range req.Scopes {
		if s != models.ScopeChat && s != models.ScopeCompletions && s != models.ScopeEmbeddings {
			badRequest(w, r, "unknown scope: "+string(s))
			return nil, "", false
		}
	}

	token, prefix, hash, err := auth.MintToken()
	if err != nil {
		respondStoreErr(w, r, err)
		return nil, "", false
	}
	key := &models.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Prefix:      prefix,
		Hash:        hash,
		Scopes:      req.Scopes,
		IPAllowlist: req.IPAllowlist,
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateKey(r.Context(), key); err != nil {
		respondStoreErr(w, r, err)
		return nil, "", false
	}
	log.Info().Str("key_id", key.ID).Str("prefix", key.Prefix).Msg("api key created")
	return key, token, true
}

func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RevokeKey(r.Context(), chi.URLParam(r, "keyID"), time.Now().UTC()); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteKey(r.Context(), chi.URLParam(r, "keyID")); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Self-service keys (/admin/keys/me) ──────────────────────

func (h *Handlers) ListMyKeys(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	keys, err := h.Store.ListKeysByUser(r.Context(), p.User.ID)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

// CreateMyKey mints a key bound to the session user, regardless of the
// user_id in the body.
func (h *Handlers) CreateMyKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	p := principal(r)
	req.UserID = p.User.ID
	req.OrgID = p.User.OrgID
	key, token, ok := h.mintKey(w, r, req)
	if !ok {
		return
	}
	respondJSON(w, http.StatusCreated, models.APIKeyWithToken{APIKey: *key, Token: token})
}

func (h *Handlers) RevokeMyKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	keyID := chi.URLParam(r, "keyID")
	key, err := h.Store.GetKey(r.Context(), keyID)
	if err != nil {
		respondStoreErr(w, r, err)
		return
	}
	if key.UserID != p.User.ID {
		respondErr(w, r, http.StatusForbidden, models.APIError{
			Message: "key belongs to another user",
			Type:    models.ErrTypePermission,
		})
		return
	}
	if err := h.Store.RevokeKey(r.Context(), keyID, time.Now().UTC()); err != nil {
		respondStoreErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
