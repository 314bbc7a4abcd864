package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garnizeh/krishi/internal/schema"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

type AuthHandler struct {
	store         repository.Store
	jwtSecret     string
	tokenDuration time.Duration
}

// NewAuthHandler creates a new AuthHandler with required dependencies.
func NewAuthHandler(s repository.Store, jwtSecret string, tokenDuration time.Duration) *AuthHandler {
	return &AuthHandler{store: s, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type signupRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email,omitempty"`
}

type signinRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeValid(w, r, schema.Signup, &req) {
		return
	}

	account, err := h.store.CreateAccount(r.Context(), req.Username, req.Password, req.Email)
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		http.Error(w, "username already exists", http.StatusConflict)
		return
	case errors.Is(err, repository.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "Error creating account", http.StatusInternalServerError)
		return
	}

	tokenStr, err := h.issueToken(account)
	if err != nil {
		http.Error(w, "Error signing token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, authResponse{Token: tokenStr}, http.StatusCreated)
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if !decodeValid(w, r, schema.Signin, &req) {
		return
	}

	// unknown user and wrong password share one response
	account, ok := h.store.VerifyAccount(r.Context(), req.Username, req.Password)
	if !ok {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	tokenStr, err := h.issueToken(account)
	if err != nil {
		http.Error(w, "Error signing token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, authResponse{Token: tokenStr}, http.StatusOK)
}

func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	// For stateless JWT, signout is client-side (just delete token)
	writeJSON(w, map[string]string{"message": "signed out"}, http.StatusOK)
}

func (h *AuthHandler) issueToken(a *models.Account) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": a.ID,
		"username":   a.Username,
		"iat":        now.Unix(),
		"exp":        now.Add(h.tokenDuration).Unix(),
	})
	s, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		logger.Error("sign token", slog.Int64("account_id", a.ID), slog.Any("err", err))
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
