package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/httputil"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/signature"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// DefaultMaxBodyBytes caps the size of an inbound delivery body
const DefaultMaxBodyBytes int64 = 1 << 20

var (
	// ErrInvalidSignature is returned when the signature header is missing or does not match the body
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidTimestamp is returned when the timestamp header is missing, stale or too far ahead
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// DefaultInProgressRetryAfter is the Retry-After hint sent while another
// request holds a delivery's key
const DefaultInProgressRetryAfter = 5 * time.Second

// IdempotencyStore tracks which deliveries have already been applied.
//
// Reserve claims key, or reports whether it is held by a live reservation or
// already committed. Commit marks a reserved key done. Release drops a
// reservation that did not complete so a retry can claim it again.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (webhooks.ReserveResult, error)
	Commit(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// Processor applies an accepted delivery's side effect
type Processor interface {
	Process(ctx context.Context, envelope *webhooks.Envelope) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, envelope *webhooks.Envelope) error

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, envelope *webhooks.Envelope) error {
	return f(ctx, envelope)
}

// Config controls request verification
type Config struct {
	Secret       string
	MaxAge       time.Duration
	MaxBodyBytes int64
}

// Verify checks the signature over the exact body bytes and then the
// timestamp window. Errors wrap ErrInvalidSignature or ErrInvalidTimestamp.
func Verify(body []byte, header http.Header, secret string, maxAge time.Duration, now time.Time) error {
	sig := header.Get(webhooks.HeaderSignature)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, webhooks.HeaderSignature)
	}
	if !signature.Verify(body, sig, secret) {
		return ErrInvalidSignature
	}

	raw := header.Get(webhooks.HeaderTimestamp)
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidTimestamp, webhooks.HeaderTimestamp)
	}
	ts, err := signature.ParseTimestamp(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if !signature.ValidateTimestampAt(ts, maxAge, now) {
		return fmt.Errorf("%w: outside the accepted window", ErrInvalidTimestamp)
	}
	return nil
}

// Handler verifies and deduplicates inbound deliveries before handing them
// to a Processor
type Handler struct {
	config    Config
	store     IdempotencyStore
	processor Processor
	logger    *observability.Logger
	now       func() time.Time
}

// NewHandler creates a receiving handler
func NewHandler(config Config, store IdempotencyStore, processor Processor, logger *observability.Logger) *Handler {
	if config.MaxAge <= 0 {
		config.MaxAge = signature.DefaultMaxAge
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		config:    config,
		store:     store,
		processor: processor,
		logger:    logger,
		now:       time.Now,
	}
}

type receivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	if err := Verify(body, r.Header, h.config.Secret, h.config.MaxAge, h.now()); err != nil {
		h.logger.WithError(err).Warn("Rejected webhook delivery")
		httputil.WriteUnauthorized(w, err.Error())
		return
	}

	var envelope webhooks.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Event == nil {
		httputil.WriteBadRequest(w, "invalid delivery envelope")
		return
	}

	key := idempotencyKey(&envelope, r.Header)
	if key == "" {
		httputil.WriteBadRequest(w, "delivery carries no idempotency key")
		return
	}

	ctx := observability.WithCorrelationID(r.Context(), envelope.Metadata.CorrelationID)
	logger := h.logger.WithFields(map[string]interface{}{
		"event_id":        envelope.Event.ID,
		"event_type":      envelope.Event.Type,
		"idempotency_key": key,
	})

	result, err := h.store.Reserve(ctx, key)
	if err != nil {
		logger.WithError(err).Error("Failed to reserve idempotency key")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "idempotency store unavailable")
		return
	}
	switch result {
	case webhooks.Processed:
		logger.Info("Duplicate delivery ignored")
		_ = httputil.WriteSuccess(w, receivedResponse{Received: true, Duplicate: true})
		return
	case webhooks.InProgress:
		// The holder may still fail and release the key, so the sender must retry.
		logger.Info("Delivery already in progress")
		w.Header().Set("Retry-After", strconv.Itoa(int(DefaultInProgressRetryAfter/time.Second)))
		httputil.WriteErrorMessage(w, http.StatusConflict, "delivery is already being processed")
		return
	}

	if err := h.processor.Process(ctx, &envelope); err != nil {
		if relErr := h.store.Release(ctx, key); relErr != nil {
			logger.WithError(relErr).Error("Failed to release idempotency key")
		}
		logger.WithError(err).Error("Failed to process delivery")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to process delivery")
		return
	}

	// The side effect has happened; a failed commit leaves the reservation in
	// place, which still blocks reapplication until it goes stale.
	if err := h.store.Commit(ctx, key); err != nil {
		logger.WithError(err).Error("Failed to commit idempotency key")
	}

	logger.Debug("Delivery processed")
	_ = httputil.WriteSuccess(w, receivedResponse{Received: true})
}

// idempotencyKey prefers the envelope, then the header, then the event ID
func idempotencyKey(envelope *webhooks.Envelope, header http.Header) string {
	if envelope.IdempotencyKey != "" {
		return envelope.IdempotencyKey
	}
	if key := header.Get(webhooks.HeaderIdempotencyKey); key != "" {
		return key
	}
	return envelope.Event.ID
}
