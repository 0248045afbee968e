package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/poolflow/internal/app/services/users"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// sessionTTL bounds how long a login JWT stays valid.
const sessionTTL = 24 * time.Hour

type authHandlers struct {
	users     *users.Service
	jwtSecret string
	log       *logger.Logger
	now       func() time.Time
}

func newAuthHandlers(userService *users.Service, jwtSecret string, log *logger.Logger) *authHandlers {
	return &authHandlers{users: userService, jwtSecret: jwtSecret, log: log, now: time.Now}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *authHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.users.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, expiresAt, err := h.signSession(u.ID)
	if err != nil {
		h.log.WithError(err).Error("sign session token")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":    u.ID,
		"email":      u.Email,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *authHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.WithError(err).Error("authenticate user")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, expiresAt, err := h.signSession(u.ID)
	if err != nil {
		h.log.WithError(err).Error("sign session token")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    u.ID,
		"email":      u.Email,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *authHandlers) signSession(userID string) (string, time.Time, error) {
	now := h.now().UTC()
	expiresAt := now.Add(sessionTTL)

	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.jwtSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
