package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/internal/middleware"
	"github.com/punypage/punypage/internal/service"
)

type AuthHandler struct {
	// local is nil when tokens are issued by Supabase.
	local  *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(local *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{local: local, logger: logging.OrNop(logger).Named("auth")}
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6"`
	DisplayName string `json:"display_name" validate:"omitempty,max=200"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	token, user, err := h.local.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "user": user})
}

// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	token, user, err := h.local.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

// POST /api/auth/logout revokes a local token. Supabase sessions are ended
// client side, so there is nothing to revoke.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.local != nil {
		if err := h.local.Logout(r.Context(), middleware.TokenFromCtx(r.Context())); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}
