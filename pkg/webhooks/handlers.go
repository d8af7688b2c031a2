package webhooks

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/httputil"
)

const defaultListLimit = 50

// BreakerAdmin exposes breaker state to operators
type BreakerAdmin interface {
	Snapshot(ctx context.Context, key string) circuitbreaker.Snapshot
	Snapshots() []circuitbreaker.Snapshot
	Reset(ctx context.Context, key string)
}

// EventDispatcher accepts events for delivery
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *Event) (int, error)
}

// Handlers provides the admin HTTP API
type Handlers struct {
	manager    *SubscriptionManager
	ledger     Ledger
	breakers   BreakerAdmin
	dispatcher EventDispatcher
}

// NewHandlers creates the admin handlers
func NewHandlers(manager *SubscriptionManager, ledger Ledger, breakers BreakerAdmin, dispatcher EventDispatcher) *Handlers {
	return &Handlers{
		manager:    manager,
		ledger:     ledger,
		breakers:   breakers,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes registers the admin routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscriptions", h.createSubscription).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions", h.listSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions/{id}", h.getSubscription).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions/{id}", h.updateSubscription).Methods(http.MethodPut)
	router.HandleFunc("/subscriptions/{id}", h.deleteSubscription).Methods(http.MethodDelete)
	router.HandleFunc("/subscriptions/{id}/activate", h.activateSubscription).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/deactivate", h.deactivateSubscription).Methods(http.MethodPost)
	router.HandleFunc("/subscriptions/{id}/deliveries", h.listSubscriptionDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions/{id}/stats", h.subscriptionStats).Methods(http.MethodGet)

	router.HandleFunc("/events", h.publishEvent).Methods(http.MethodPost)
	router.HandleFunc("/events/{id}/deliveries", h.listEventDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/deliveries/{id}", h.getDelivery).Methods(http.MethodGet)
	router.HandleFunc("/dead-letters", h.listDeadLetters).Methods(http.MethodGet)

	router.HandleFunc("/breakers", h.listBreakers).Methods(http.MethodGet)
	router.HandleFunc("/breakers/state", h.breakerState).Methods(http.MethodGet)
	router.HandleFunc("/breakers/reset", h.resetBreaker).Methods(http.MethodPost)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrDeliveryNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrInvalidSubscription), errors.Is(err, ErrInvalidEvent):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

// createSubscription handles POST /subscriptions
func (h *Handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	var sub Subscription
	if !httputil.ParseJSONOrError(w, r, &sub) {
		return
	}

	if err := h.manager.Register(r.Context(), &sub); err != nil {
		writeStoreError(w, err)
		return
	}

	_ = httputil.WriteCreated(w, sub.Redacted())
}

// listSubscriptions handles GET /subscriptions
func (h *Handlers) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.manager.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	result := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub.Redacted())
	}
	_ = httputil.WriteSuccess(w, result)
}

// getSubscription handles GET /subscriptions/{id}
func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub.Redacted())
}

// updateSubscription handles PUT /subscriptions/{id}
func (h *Handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var updates Subscription
	if !httputil.ParseJSONOrError(w, r, &updates) {
		return
	}

	sub, err := h.manager.Update(r.Context(), id, &updates)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub.Redacted())
}

// deleteSubscription handles DELETE /subscriptions/{id}
func (h *Handlers) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.manager.Unregister(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// activateSubscription handles POST /subscriptions/{id}/activate
func (h *Handlers) activateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// deactivateSubscription handles POST /subscriptions/{id}/deactivate
func (h *Handlers) deactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := mux.Vars(r)["id"]

	sub, err := h.manager.SetActive(r.Context(), id, active)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, sub.Redacted())
}

// listSubscriptionDeliveries handles GET /subscriptions/{id}/deliveries
func (h *Handlers) listSubscriptionDeliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}

	deliveries, err := h.ledger.FindBySubscription(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	_ = httputil.WriteSuccess(w, deliveries)
}

// subscriptionStats handles GET /subscriptions/{id}/stats
func (h *Handlers) subscriptionStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	stats, err := h.ledger.Stats(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, stats)
}

type publishResponse struct {
	EventID       string `json:"eventId"`
	CorrelationID string `json:"correlationId"`
	Subscriptions int    `json:"subscriptions"`
}

// publishEvent handles POST /events
func (h *Handlers) publishEvent(w http.ResponseWriter, r *http.Request) {
	var event Event
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}

	started, err := h.dispatcher.Dispatch(r.Context(), &event)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	_ = httputil.WriteAccepted(w, publishResponse{
		EventID:       event.ID,
		CorrelationID: event.CorrelationID,
		Subscriptions: started,
	})
}

// listEventDeliveries handles GET /events/{id}/deliveries
func (h *Handlers) listEventDeliveries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	deliveries, err := h.ledger.FindByEvent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	_ = httputil.WriteSuccess(w, deliveries)
}

// getDelivery handles GET /deliveries/{id}
func (h *Handlers) getDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	delivery, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, delivery)
}

// listDeadLetters handles GET /dead-letters
func (h *Handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}

	deadLetters, err := h.ledger.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deadLetters == nil {
		deadLetters = []*DeadLetter{}
	}
	_ = httputil.WriteSuccess(w, deadLetters)
}

// listBreakers handles GET /breakers
func (h *Handlers) listBreakers(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteSuccess(w, h.breakers.Snapshots())
}

// breakerState handles GET /breakers/state?endpoint=. Endpoints the registry
// has never used report CLOSED and are not registered.
func (h *Handlers) breakerState(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := httputil.RequireQueryString(w, r, "endpoint")
	if !ok {
		return
	}
	_ = httputil.WriteSuccess(w, h.breakers.Snapshot(r.Context(), endpoint))
}

// resetBreaker handles POST /breakers/reset?endpoint=
func (h *Handlers) resetBreaker(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := httputil.RequireQueryString(w, r, "endpoint")
	if !ok {
		return
	}
	h.breakers.Reset(r.Context(), endpoint)
	_ = httputil.WriteSuccess(w, h.breakers.Snapshot(r.Context(), endpoint))
}
