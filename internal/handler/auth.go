package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/agentsync/internal/auth"
	"github.com/capitalize-ai/agentsync/internal/middleware"
	"github.com/capitalize-ai/agentsync/pkg/logger"
)

// AuthHandler reissues tokens.
type AuthHandler struct {
	issuer *auth.Issuer
	logger *logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(issuer *auth.Issuer, log *logger.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, logger: log}
}

// TokenResponse carries a freshly minted token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Refresh handles POST /api/v1/auth/refresh
// The new token keeps the caller's subject, owner scope and grants.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing claims")
		return
	}
	token, expires, err := h.issuer.Refresh(claims)
	if err != nil {
		h.logger.Error("failed to refresh token", zap.String("subject", claims.Subject), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
}
