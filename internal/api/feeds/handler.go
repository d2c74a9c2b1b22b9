package feeds

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnwards/leadfeed/internal/api"
	"github.com/johnwards/leadfeed/internal/domain"
	"github.com/johnwards/leadfeed/internal/hubspot"
	"github.com/johnwards/leadfeed/internal/pipeline"
	"github.com/johnwards/leadfeed/internal/timerange"
)

// Source produces feed pages. *pipeline.Pipeline implements it.
type Source interface {
	LeadsBatchActivities(ctx context.Context, timeRange, after, ownerID string) (*domain.Page, error)
	UserBatchTasks(ctx context.Context, timeRange, after string, from, to time.Time, ownerID string) (*domain.Page, error)
	OwnerDeals(ctx context.Context, timeRange, after, ownerID string) (*domain.Page, error)
}

// Handler serves the feed endpoints.
type Handler struct {
	source Source
	loc    *time.Location
}

// params holds the query parameters shared by every feed endpoint.
type params struct {
	timeRange string
	after     string
	ownerID   string
	from      time.Time
	to        time.Time
}

func (h *Handler) params(r *http.Request) (params, error) {
	q := r.URL.Query()
	p := params{
		timeRange: q.Get("range"),
		after:     q.Get("after"),
		ownerID:   q.Get("ownerId"),
	}
	var err error
	if p.from, err = timerange.ParseBound(q.Get("from"), false, h.loc); err != nil {
		return params{}, err
	}
	if p.to, err = timerange.ParseBound(q.Get("to"), true, h.loc); err != nil {
		return params{}, err
	}
	return p, nil
}

// Activities handles GET /feeds/activities.
func (h *Handler) Activities(w http.ResponseWriter, r *http.Request) {
	p, err := h.params(r)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}
	// Only the tasks feed accepts explicit bounds.
	if !p.from.IsZero() || !p.to.IsZero() {
		writeFeedError(w, r, errBoundsUnsupported)
		return
	}

	page, err := h.source.LeadsBatchActivities(r.Context(), p.timeRange, p.after, p.ownerID)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}
	writePage(w, "engagements", page)
}

// Tasks handles GET /feeds/tasks.
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	p, err := h.params(r)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}

	page, err := h.source.UserBatchTasks(r.Context(), p.timeRange, p.after, p.from, p.to, p.ownerID)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}
	writePage(w, "tasks", page)
}

// Deals handles GET /feeds/deals.
func (h *Handler) Deals(w http.ResponseWriter, r *http.Request) {
	p, err := h.params(r)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}
	if !p.from.IsZero() || !p.to.IsZero() {
		writeFeedError(w, r, errBoundsUnsupported)
		return
	}

	page, err := h.source.OwnerDeals(r.Context(), p.timeRange, p.after, p.ownerID)
	if err != nil {
		writeFeedError(w, r, err)
		return
	}
	writePage(w, "deals", page)
}

var errBoundsUnsupported = errors.New("from and to are only supported by the tasks feed")

func writePage(w http.ResponseWriter, key string, page *domain.Page) {
	records := page.Records
	if records == nil {
		records = []domain.EnrichedRecord{}
	}
	body := map[string]any{key: records}
	if page.NextAfter != "" {
		body["nextAfter"] = page.NextAfter
	}
	api.WriteJSON(w, http.StatusOK, body)
}

// statusClientClosedRequest is recorded when the caller went away before the
// page was ready. Nothing is sent; the status only reaches access logs.
const statusClientClosedRequest = 499

// writeFeedError maps pipeline errors onto the HubSpot error envelope.
func writeFeedError(w http.ResponseWriter, r *http.Request, err error) {
	corrID := api.CorrelationID(r.Context())

	var httpErr *hubspot.HTTPError
	switch {
	case errors.Is(err, timerange.ErrUnknownRange),
		errors.Is(err, timerange.ErrInvalidBounds),
		errors.Is(err, errBoundsUnsupported):
		api.WriteError(w, http.StatusBadRequest, api.NewValidationError(err.Error(), corrID, nil))
	case errors.Is(err, pipeline.ErrNoOwner):
		api.WriteError(w, http.StatusUnauthorized, api.NewUnauthorizedError(
			"No owner given and no user identity on the request", corrID))
	case errors.Is(err, hubspot.ErrOwnerNotFound):
		api.WriteError(w, http.StatusNotFound, api.NewNotFoundError(err.Error(), corrID))
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests:
		api.WriteError(w, http.StatusTooManyRequests, &api.Error{
			Status:        "error",
			Message:       httpErr.Error(),
			CorrelationID: corrID,
			Category:      api.CategoryRateLimits,
		})
	case errors.As(err, &httpErr):
		slog.Warn("upstream error", "error", err, "correlation_id", corrID)
		api.WriteError(w, http.StatusBadGateway, api.NewUpstreamError(httpErr.Error(), corrID))
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		slog.Debug("client went away", "error", err, "correlation_id", corrID)
		w.WriteHeader(statusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		api.WriteError(w, http.StatusGatewayTimeout, api.NewUpstreamError("upstream request timed out", corrID))
	default:
		slog.Error("feed failed", "error", err, "correlation_id", corrID)
		api.WriteError(w, http.StatusInternalServerError, api.NewInternalError(err.Error(), corrID))
	}
}
