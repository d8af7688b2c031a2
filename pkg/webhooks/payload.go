package webhooks

import (
	"fmt"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/signature"
)

// Header names set on every outbound delivery request
const (
	HeaderSignature      = "X-Webhook-Signature"
	HeaderTimestamp      = "X-Webhook-Timestamp"
	HeaderWebhookID      = "X-Webhook-Id"
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderEvent          = "X-Webhook-Event"
	HeaderAttempt        = "X-Webhook-Attempt"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// EnvelopeMetadata describes where an envelope came from
type EnvelopeMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Environment   string `json:"environment,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Envelope is the JSON body posted to subscribers
type Envelope struct {
	Event          *Event           `json:"event"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Metadata       EnvelopeMetadata `json:"metadata"`
	Timestamp      int64            `json:"timestamp"`
}

// SignedPayload is one attempt's body and the signature over its exact bytes.
// It is rebuilt for every attempt so the timestamp stays fresh.
type SignedPayload struct {
	Event           *Event
	TimestampMillis int64
	SignatureHex    string
	Body            []byte
}

// SignatureHeader returns the X-Webhook-Signature value
func (p *SignedPayload) SignatureHeader() string {
	return signature.FormatHeader(p.SignatureHex)
}

// TimestampSeconds returns the X-Webhook-Timestamp value
func (p *SignedPayload) TimestampSeconds() int64 {
	return p.TimestampMillis / int64(time.Second/time.Millisecond)
}

// BuildSignedPayload canonicalizes the envelope for event and signs it with secret
func BuildSignedPayload(event *Event, meta EnvelopeMetadata, idempotencyKey, secret string, now time.Time) (*SignedPayload, error) {
	envelope := Envelope{
		Event:          event,
		IdempotencyKey: idempotencyKey,
		Metadata:       meta,
		Timestamp:      now.UnixMilli(),
	}

	body, err := signature.Canonicalize(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload for event %s: %w", event.ID, err)
	}

	return &SignedPayload{
		Event:           event,
		TimestampMillis: envelope.Timestamp,
		SignatureHex:    signature.SignBytes(body, secret),
		Body:            body,
	}, nil
}

// DeriveIdempotencyKey returns eventType-entityId-action-date for event. The key
// is stable across the retries of a delivery.
func DeriveIdempotencyKey(event *Event) string {
	return signature.IdempotencyKey(event.Type, event.EntityID(), event.Action(), signature.DateISO(event.Timestamp))
}
