package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serverbound/syncengine/internal/services"
	"github.com/serverbound/syncengine/internal/utils"
)

type AuthHandler struct {
	authService *services.AuthService
}

func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email     string     `json:"email"`
	Password  string     `json:"password"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	AgentName string     `json:"agent_name"`
	AgentType string     `json:"agent_type"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AgentID   uuid.UUID `json:"agent_id"`
	AccountID uuid.UUID `json:"account_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.authService.Register(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, services.ErrEmailExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, utils.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("register failed: %v", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
	}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.authService.Login(r.Context(), services.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		AgentID:   req.AgentID,
		AgentName: req.AgentName,
		AgentType: req.AgentType,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, loginResponse{
			Token:     resp.Token,
			ExpiresAt: resp.ExpiresAt,
			AgentID:   resp.AgentID,
			AccountID: resp.AccountID,
		})
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		log.Printf("login failed: %v", err)
		writeError(w, http.StatusInternalServerError, "login failed")
	}
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	if err := h.authService.Logout(r.Context(), token); err != nil {
		if errors.Is(err, services.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		log.Printf("logout failed: %v", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
