package feeds

import (
	"net/http"
	"time"
)

// RegisterRoutes adds the feed endpoints to the given mux. Explicit from/to
// dates are interpreted in loc; nil means UTC.
func RegisterRoutes(mux *http.ServeMux, source Source, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	h := &Handler{source: source, loc: loc}

	mux.HandleFunc("GET /feeds/activities", h.Activities)
	mux.HandleFunc("GET /feeds/tasks", h.Tasks)
	mux.HandleFunc("GET /feeds/deals", h.Deals)
}
