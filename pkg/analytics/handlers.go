package analytics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hookrelay/pkg/httputil"
)

const (
	defaultDays = 7
	maxDays     = 90
)

// Handlers exposes daily rollups on the admin API
type Handlers struct {
	aggregator *Aggregator
	now        func() time.Time
}

// NewHandlers creates the analytics handlers
func NewHandlers(aggregator *Aggregator) *Handlers {
	return &Handlers{aggregator: aggregator, now: time.Now}
}

// RegisterRoutes registers the analytics routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscriptions/{id}/daily", h.subscriptionDaily).Methods(http.MethodGet)
	router.HandleFunc("/analytics/daily", h.day).Methods(http.MethodGet)
}

// subscriptionDaily handles GET /subscriptions/{id}/daily?days=N
func (h *Handlers) subscriptionDaily(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	days, ok := httputil.ParseQueryIntOrError(w, r, "days", defaultDays)
	if !ok {
		return
	}
	if days <= 0 || days > maxDays {
		httputil.WriteBadRequest(w, "days must be between 1 and 90")
		return
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -(days - 1))
	stats, err := h.aggregator.SubscriptionDaily(r.Context(), id, from, to)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}

// day handles GET /analytics/daily?date=YYYY-MM-DD, defaulting to yesterday
func (h *Handlers) day(w http.ResponseWriter, r *http.Request) {
	date := h.now().UTC().AddDate(0, 0, -1)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httputil.WriteBadRequest(w, "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	stats, err := h.aggregator.Day(r.Context(), date)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}
