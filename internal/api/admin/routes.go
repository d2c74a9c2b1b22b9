package admin

import (
	"net/http"

	"github.com/johnwards/leadfeed/internal/store"
)

// RegisterRoutes registers the admin API endpoints on the mux. A nil cache
// registers nothing.
func RegisterRoutes(mux *http.ServeMux, cache store.CacheStore) {
	if cache == nil {
		return
	}
	h := &Handler{cache: cache}

	mux.HandleFunc("POST /_leadfeed/cache/purge", h.Purge)
	mux.HandleFunc("GET /_leadfeed/cache/stats", h.Stats)
}
