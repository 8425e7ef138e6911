package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Getter interface {
	Get(ctx context.Context, userID string) (Entry, error)
}

type Handler struct {
	cache  Getter
	logger *slog.Logger
}

func NewHandler(cache Getter, logger *slog.Logger) *Handler {
	return &Handler{cache: cache, logger: logger.With("component", "presence")}
}

// GetPresence serves GET /api/users/{id}/presence.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	entry, err := h.cache.Get(r.Context(), userID)
	if errors.Is(err, ErrNotCached) {
		http.Error(w, "presence not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Warn("presence lookup failed", "user", userID, "err", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
