package audit

import (
	"net/http"
	"strings"
	"time"
)

// Status represents the outcome of an audited request
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// ResourceType names what an admin request acted on
type ResourceType string

const (
	ResourceSubscription ResourceType = "subscription"
	ResourceEvent        ResourceType = "event"
	ResourceDelivery     ResourceType = "delivery"
	ResourceBreaker      ResourceType = "breaker"
	ResourceDeadLetter   ResourceType = "dead_letter"
	ResourceAudit        ResourceType = "audit"
	ResourceUnknown      ResourceType = "unknown"
)

// Event is a single audit log entry for an admin API request
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Action is the method and route template, e.g. "DELETE /subscriptions/{id}"
	Action string `json:"action"`
	Status Status `json:"status"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	ClientIP   string `json:"client_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	DurationMS int64  `json:"duration_ms"`
}

// StatusFromCode maps an HTTP status code to an audit status
func StatusFromCode(code int) Status {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return StatusDenied
	case code >= http.StatusBadRequest:
		return StatusFailure
	default:
		return StatusSuccess
	}
}

// resourceFromPath derives the resource type from the first path segment
func resourceFromPath(path string) ResourceType {
	segment, _, _ := strings.Cut(strings.TrimLeft(path, "/"), "/")

	switch segment {
	case "subscriptions":
		return ResourceSubscription
	case "events":
		return ResourceEvent
	case "deliveries":
		return ResourceDelivery
	case "breakers":
		return ResourceBreaker
	case "dead-letters":
		return ResourceDeadLetter
	case "audit":
		return ResourceAudit
	default:
		return ResourceUnknown
	}
}
