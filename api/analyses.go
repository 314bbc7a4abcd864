package api

import (
	"net/http"
	"strconv"

	"github.com/garnizeh/krishi/internal/schema"
	"github.com/garnizeh/krishi/pkg/models"
	"github.com/garnizeh/krishi/pkg/repository"
)

const (
	defaultAnalysesLimit = 10
	maxAnalysesLimit     = 500
)

type AnalysesHandler struct {
	store repository.Store
}

func NewAnalysesHandler(s repository.Store) *AnalysesHandler {
	return &AnalysesHandler{store: s}
}

type postAnalysisRequest struct {
	Kind      models.AnalysisKind `json:"kind"`
	ImagePath *string             `json:"image_path,omitempty"`
	Result    map[string]any      `json:"result"`
}

type postAnalysisResponse struct {
	ID int64 `json:"id"`
}

func (h *AnalysesHandler) CreateAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req postAnalysisRequest
	if !decodeValid(w, r, schema.Analysis, &req) {
		return
	}

	analysisID, err := h.store.SaveAnalysis(r.Context(), id, req.Kind, req.ImagePath, req.Result)
	if err != nil {
		writeStoreError(w, err, "failed to store analysis")
		return
	}

	writeJSON(w, postAnalysisResponse{ID: analysisID}, http.StatusCreated)
}

func (h *AnalysesHandler) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	id, ok := AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := defaultAnalysesLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > maxAnalysesLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}

	items := h.store.ListAnalyses(r.Context(), id, limit)
	writeJSON(w, map[string]any{
		"limit": limit,
		"items": items,
	}, http.StatusOK)
}
