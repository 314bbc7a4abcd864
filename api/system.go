package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Checker is the part of the store the health check needs.
type Checker interface {
	Backend() string
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	Store Checker
}

func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "service": "krishi"}
	if h.Store == nil {
		writeJSON(w, resp, http.StatusOK)
		return
	}

	resp["backend"] = h.Store.Backend()
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		logger.Warn("health check failed", slog.Any("err", err))
		resp["status"] = "unavailable"
		writeJSON(w, resp, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, resp, http.StatusOK)
}

func (h *SystemHandler) VersionHandler(version, buildTime string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": version, "buildTime": buildTime}, http.StatusOK)
	}
}
