package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hookrelay/pkg/httputil"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

// Handlers exposes recent audit events on the admin API
type Handlers struct {
	reader Reader
}

// NewHandlers creates the audit handlers
func NewHandlers(reader Reader) *Handlers {
	return &Handlers{reader: reader}
}

// RegisterRoutes registers GET /audit
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit", h.listRecent).Methods(http.MethodGet)
}

func (h *Handlers) listRecent(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", defaultRecentLimit)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxRecentLimit {
		httputil.WriteBadRequest(w, "limit must be between 1 and 1000")
		return
	}

	events, err := h.reader.Recent(r.Context(), limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, events)
}
