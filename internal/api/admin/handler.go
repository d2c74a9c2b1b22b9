package admin

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/johnwards/leadfeed/internal/api"
	"github.com/johnwards/leadfeed/internal/store"
)

// Handler serves the admin API at /_leadfeed/.
type Handler struct {
	cache store.CacheStore
}

// Purge drops cached upstream responses. With ?expired=true only entries
// past their freshness window are dropped.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	purge := h.cache.Purge
	scope := "all"
	if r.URL.Query().Get("expired") == "true" {
		purge = h.cache.PurgeExpired
		scope = "expired"
	}

	n, err := purge(ctx)
	if err != nil {
		corrID := api.CorrelationID(ctx)
		api.WriteError(w, http.StatusInternalServerError, api.NewInternalError(
			fmt.Sprintf("failed to purge cache: %s", err), corrID))
		return
	}

	slog.Info("cache purged", "scope", scope, "entries", n)
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": scope, "purged": n})
}

// Stats reports the size and hit count of the response cache.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		corrID := api.CorrelationID(r.Context())
		api.WriteError(w, http.StatusInternalServerError, api.NewInternalError(
			fmt.Sprintf("failed to read cache stats: %s", err), corrID))
		return
	}

	api.WriteJSON(w, http.StatusOK, stats)
}
