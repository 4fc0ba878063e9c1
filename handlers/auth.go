package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"fieldsync/middleware"
	"fieldsync/models"

	"go.uber.org/zap"
)

type AuthHandler struct {
	sessions *SessionManager
	logger   *zap.Logger
}

func NewAuthHandler(sessions *SessionManager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		logger:   logger.Named("auth"),
	}
}

type LoginRequest struct {
	IDToken string `json:"id_token"`
}

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
}

// Login exchanges an identity provider token for a local session token
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.IDToken == "" {
		writeError(w, "id_token is required", http.StatusBadRequest)
		return
	}

	token, claims, err := h.sessions.Login(r.Context(), req.IDToken)
	if err != nil {
		h.logger.Warn("login failed", zap.Error(err))
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      claims.User(),
	})
}

// Logout stops synchronization for the session. Queued submissions stay
// on disk for the next login.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		writeError(w, "User not found in context", http.StatusUnauthorized)
		return
	}
	if err := h.sessions.Logout(claims.SessionID); err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}
