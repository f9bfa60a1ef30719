package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/votoclaro/electsync/internal/auth"
)

// TokenIssuer logs the operator in.
type TokenIssuer interface {
	Login(password string) (string, time.Time, error)
}

// AuthHandler handles authentication requests
type AuthHandler struct {
	issuer TokenIssuer
	logger *slog.Logger
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(issuer TokenIssuer, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, logger: logger}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expires, err := h.issuer.Login(req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.logger.Warn("failed login attempt", "ip", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		h.logger.Error("failed to generate token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("successful login", "ip", r.RemoteAddr)
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

// ValidateToken handles GET /api/auth/validate. The auth middleware has
// already accepted the token when this runs.
func (h *AuthHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	subject, _ := auth.SubjectFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "subject": subject})
}
