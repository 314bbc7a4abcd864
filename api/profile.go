package api

import (
	"net/http"

	"github.com/garnizeh/krishi/internal/schema"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

type ProfileHandler struct {
	store repository.Store
}

func NewProfileHandler(s repository.Store) *ProfileHandler {
	return &ProfileHandler{store: s}
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	p, found := h.store.GetProfile(r.Context(), id)
	if !found {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

// UpsertProfile applies only the fields present in the body.
func (h *ProfileHandler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var fields models.ProfileFields
	if !decodeValid(w, r, schema.Profile, &fields) {
		return
	}

	if err := h.store.UpsertProfile(r.Context(), id, fields); err != nil {
		writeStoreError(w, err, "failed to save profile")
		return
	}

	p, found := h.store.GetProfile(r.Context(), id)
	if !found {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p, http.StatusOK)
}
