package handlers

import (
	"net/http"
	"time"

	"github.com/cortexhub/cortex/internal/api/middleware"
	"github.com/cortexhub/cortex/pkg/models"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Login handles POST /auth/login. The session token is returned in the
// body and set as an HTTP-only cookie for browser clients.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil || req.Username == "" || req.Password == "" {
		badRequest(w, r, "username and password are required")
		return
	}

	token, user, err := h.Sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondErr(w, r, http.StatusUnauthorized, models.APIError{
			Message: "invalid username or password",
			Type:    models.ErrTypeAuthentication,
		})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// Logout handles POST /auth/logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		_ = h.Sessions.Logout(r.Context(), token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
