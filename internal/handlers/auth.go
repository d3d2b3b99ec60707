package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-telemetry/internal/auth"
	"github.com/ukydev/fleet-telemetry/internal/models"
)

const maxLoginBody = 1 << 12

// AuthHandler issues dashboard tokens for the configured operator.
type AuthHandler struct {
	authService *auth.Service
	operator    auth.Operator
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *auth.Service, operator auth.Operator) *AuthHandler {
	if operator.Role == "" {
		operator.Role = models.RoleOperator
	}
	return &AuthHandler{
		authService: authService,
		operator:    operator,
	}
}

// Token exchanges operator credentials for a bearer token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var loginReq models.LoginRequest
	if err := json.Unmarshal(body, &loginReq); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// Validate input
	if loginReq.Username == "" || loginReq.Password == "" {
		http.Error(w, "Username and password are required", http.StatusBadRequest)
		return
	}

	if err := h.operator.Authenticate(loginReq.Username, loginReq.Password); err != nil {
		log.WithField("username", loginReq.Username).Warn("Rejected token request")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := h.authService.GenerateToken(loginReq.Username, h.operator.Role)
	if err != nil {
		log.WithError(err).Error("Failed to generate token")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, models.TokenResponse{Token: token, ExpiresAt: expiresAt.Unix()})
}
