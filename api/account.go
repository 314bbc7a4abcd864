package api

import (
	"errors"
	"net/http"

	"github.com/garnizeh/krishi/internal/schema"
	"github.com/garnizeh/krishi/pkg/repository"
)

type AccountHandler struct {
	store repository.Store
}

func NewAccountHandler(s repository.Store) *AccountHandler {
	return &AccountHandler{store: s}
}

type updateAccountRequest struct {
	Email *string `json:"email"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	account, found := h.store.GetAccount(r.Context(), id)
	if !found {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	writeJSON(w, account, http.StatusOK)
}

func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req updateAccountRequest
	if !decodeValid(w, r, schema.Account, &req) {
		return
	}

	if err := h.store.UpdateEmail(r.Context(), id, req.Email); err != nil {
		writeStoreError(w, err, "failed to update account")
		return
	}

	account, found := h.store.GetAccount(r.Context(), id)
	if !found {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	writeJSON(w, account, http.StatusOK)
}

func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req changePasswordRequest
	if !decodeValid(w, r, schema.Password, &req) {
		return
	}

	err := h.store.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, repository.ErrInvalidCredentials) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeStoreError(w, err, "failed to change password")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps persistence sentinels to status codes.
func writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, repository.ErrInvalidInput), errors.Is(err, repository.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrConnectivity):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
