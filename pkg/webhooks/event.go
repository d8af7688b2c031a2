package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEvent is returned when an event cannot be dispatched
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSubscriptionNotFound is returned when a subscription ID is unknown
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrDeliveryNotFound is returned when a delivery ID is unknown
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrInvalidSubscription is returned when a subscription fails validation
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Event is a domain event emitted by the host service. It is immutable once
// handed to the dispatcher.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewEvent builds an event with data marshaled to JSON. ID and timestamp are
// assigned at dispatch time when left empty.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{
		Type:   eventType,
		Source: source,
		Data:   raw,
	}, nil
}

// Validate checks the fields the delivery pipeline depends on
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if strings.ContainsAny(e.Type, " \t\n*") {
		return fmt.Errorf("%w: event type %q contains invalid characters", ErrInvalidEvent, e.Type)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return fmt.Errorf("%w: event data is not valid JSON", ErrInvalidEvent)
	}
	return nil
}

// Action returns the last dotted segment of the event type ("creado" for "producto.creado")
func (e *Event) Action() string {
	if i := strings.LastIndex(e.Type, "."); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

// EntityID returns the "id" field of an object payload, falling back to the event ID
func (e *Event) EntityID() string {
	if len(e.Data) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e.Data, &obj); err == nil {
			if raw, ok := obj["id"]; ok {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil && s != "" {
					return s
				}
				var n json.Number
				if err := json.Unmarshal(raw, &n); err == nil && n != "" {
					return n.String()
				}
			}
		}
	}
	return e.ID
}
