package webhooks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

// IsTerminal reports whether no further attempts follow this status
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// MaxResponseBodyBytes bounds the subscriber response kept on a delivery
const MaxResponseBodyBytes = 4096

// Delivery tracks one (event, subscription) pair across all of its attempts
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         DeliveryStatus  `json:"status"`
	AttemptNumber  int             `json:"attemptNumber"`
	HTTPStatusCode int             `json:"httpStatusCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	DurationMs     int64           `json:"durationMs,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (d *Delivery) clone() *Delivery {
	c := *d
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// DeadLetter is the permanent record of a delivery that exhausted its attempts
type DeadLetter struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"deliveryId"`
	SubscriptionID string          `json:"subscriptionId"`
	EventID        string          `json:"eventId"`
	EventType      string          `json:"eventType"`
	URL            string          `json:"url"`
	AttemptNumber  int             `json:"attemptNumber"`
	HTTPStatusCode int             `json:"httpStatusCode,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	ResponseBody   string          `json:"responseBody,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Event          json.RawMessage `json:"event"`
	Envelope       json.RawMessage `json:"envelope,omitempty"`
	DeadLetteredAt time.Time       `json:"deadLetteredAt"`
}

// DeliveryStats aggregates the deliveries of one subscription
type DeliveryStats struct {
	SubscriptionID    string  `json:"subscriptionId"`
	Total             int     `json:"total"`
	Pending           int     `json:"pending"`
	Retrying          int     `json:"retrying"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"successRate"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// Ledger is the durable record of deliveries and dead letters. Update never
// lowers a delivery's attempt number.
type Ledger interface {
	Create(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	FindBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)
	FindByEvent(ctx context.Context, eventID string) ([]*Delivery, error)
	AppendDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	Stats(ctx context.Context, subscriptionID string) (*DeliveryStats, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// MemoryLedger is a bounded in-process Ledger. When full it evicts the oldest
// tenth of its terminal deliveries; in-flight deliveries are never evicted.
type MemoryLedger struct {
	deliveries     map[string]*Delivery
	deadLetters    []*DeadLetter
	mutex          sync.RWMutex
	maxDeliveries  int
	maxDeadLetters int
}

// NewMemoryLedger creates a ledger holding up to maxDeliveries deliveries and as
// many dead letters (1000 when maxDeliveries <= 0)
func NewMemoryLedger(maxDeliveries int) *MemoryLedger {
	if maxDeliveries <= 0 {
		maxDeliveries = 1000
	}
	return &MemoryLedger{
		deliveries:     make(map[string]*Delivery),
		maxDeliveries:  maxDeliveries,
		maxDeadLetters: maxDeliveries,
	}
}

func (l *MemoryLedger) Create(_ context.Context, d *Delivery) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.deliveries) >= l.maxDeliveries {
		l.evictOldest()
	}
	l.deliveries[d.ID] = d.clone()
	return nil
}

func (l *MemoryLedger) Update(_ context.Context, d *Delivery) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	existing, ok := l.deliveries[d.ID]
	if !ok {
		return ErrDeliveryNotFound
	}

	updated := d.clone()
	if existing.AttemptNumber > updated.AttemptNumber {
		updated.AttemptNumber = existing.AttemptNumber
	}
	updated.CreatedAt = existing.CreatedAt
	l.deliveries[d.ID] = updated
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*Delivery, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	d, ok := l.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return d.clone(), nil
}

// FindBySubscription returns the newest deliveries first
func (l *MemoryLedger) FindBySubscription(_ context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Delivery
	for _, d := range l.deliveries {
		if d.SubscriptionID == subscriptionID {
			result = append(result, d.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (l *MemoryLedger) FindByEvent(_ context.Context, eventID string) ([]*Delivery, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Delivery
	for _, d := range l.deliveries {
		if d.EventID == eventID {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (l *MemoryLedger) AppendDeadLetter(_ context.Context, dl *DeadLetter) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.deadLetters) >= l.maxDeadLetters {
		drop := l.maxDeadLetters / 10
		if drop == 0 {
			drop = 1
		}
		l.deadLetters = append([]*DeadLetter(nil), l.deadLetters[drop:]...)
	}

	c := *dl
	l.deadLetters = append(l.deadLetters, &c)
	return nil
}

// ListDeadLetters returns the newest dead letters first
func (l *MemoryLedger) ListDeadLetters(_ context.Context, limit int) ([]*DeadLetter, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	result := make([]*DeadLetter, 0, len(l.deadLetters))
	for i := len(l.deadLetters) - 1; i >= 0; i-- {
		c := *l.deadLetters[i]
		result = append(result, &c)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (l *MemoryLedger) Stats(_ context.Context, subscriptionID string) (*DeliveryStats, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	stats := &DeliveryStats{SubscriptionID: subscriptionID}
	var totalDuration int64

	for _, d := range l.deliveries {
		if d.SubscriptionID != subscriptionID {
			continue
		}

		stats.Total++
		switch d.Status {
		case DeliveryStatusPending:
			stats.Pending++
		case DeliveryStatusRetrying:
			stats.Retrying++
		case DeliveryStatusSuccess:
			stats.Successful++
			totalDuration += d.DurationMs
		case DeliveryStatusFailed:
			stats.Failed++
		}
	}

	if stats.Successful > 0 {
		stats.AverageDurationMs = float64(totalDuration) / float64(stats.Successful)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	return stats, nil
}

// Purge removes terminal deliveries and dead letters last touched before olderThan
func (l *MemoryLedger) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var removed int64
	for id, d := range l.deliveries {
		if d.Status.IsTerminal() && d.UpdatedAt.Before(olderThan) {
			delete(l.deliveries, id)
			removed++
		}
	}

	kept := l.deadLetters[:0]
	for _, dl := range l.deadLetters {
		if dl.DeadLetteredAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, dl)
	}
	l.deadLetters = kept

	return removed, nil
}

// evictOldest removes the oldest 10% of terminal deliveries
func (l *MemoryLedger) evictOldest() {
	terminal := make([]*Delivery, 0, len(l.deliveries))
	for _, d := range l.deliveries {
		if d.Status.IsTerminal() {
			terminal = append(terminal, d)
		}
	}
	if len(terminal) == 0 {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	evictCount := len(l.deliveries) / 10
	if evictCount == 0 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(terminal); i++ {
		delete(l.deliveries, terminal[i].ID)
	}
}
