package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription registers an external endpoint for a set of event types
type Subscription struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	TargetURL         string      `json:"targetUrl"`
	Secret            string      `json:"secret,omitempty"`
	EventTypePatterns []string    `json:"eventTypePatterns"`
	Active            bool        `json:"active"`
	RetryPolicy       RetryPolicy `json:"retryPolicy"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Validate rejects subscriptions that could never be delivered correctly.
// All errors wrap ErrInvalidSubscription.
func (s *Subscription) Validate() error {
	if s.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidSubscription)
	}

	u, err := url.Parse(s.TargetURL)
	if err != nil {
		return fmt.Errorf("%w: malformed target URL: %v", ErrInvalidSubscription, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target URL must use http or https", ErrInvalidSubscription)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target URL must include a host", ErrInvalidSubscription)
	}

	if len(s.EventTypePatterns) == 0 {
		return fmt.Errorf("%w: at least one event type pattern is required", ErrInvalidSubscription)
	}
	for _, p := range s.EventTypePatterns {
		if err := validatePattern(p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
		}
	}

	if err := s.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	return nil
}

func validatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("event type pattern must not be empty")
	}
	star := strings.Index(p, "*")
	if star == -1 {
		return nil
	}
	if star != len(p)-1 || !strings.HasSuffix(p, ".*") || len(p) < 3 {
		return fmt.Errorf("pattern %q: wildcard is only allowed as a trailing \".*\" after a prefix", p)
	}
	return nil
}

// Redacted returns a copy without the shared secret
func (s *Subscription) Redacted() *Subscription {
	c := s.clone()
	c.Secret = ""
	return c
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.EventTypePatterns = append([]string(nil), s.EventTypePatterns...)
	c.RetryPolicy.Delays = append([]time.Duration(nil), s.RetryPolicy.Delays...)
	return &c
}

// SubscriptionStore persists subscriptions
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemorySubscriptionStore keeps subscriptions in process memory
type MemorySubscriptionStore struct {
	subs  map[string]*Subscription
	mutex sync.RWMutex
}

// NewMemorySubscriptionStore creates an empty store
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subs: make(map[string]*Subscription),
	}
}

func (s *MemorySubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subs[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubscriptionStore) Get(_ context.Context, id string) (*Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	sub, exists := s.subs[id]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

// List returns every subscription ordered by creation time
func (s *MemorySubscriptionStore) List(_ context.Context) ([]*Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		result = append(result, sub.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemorySubscriptionStore) Update(_ context.Context, sub *Subscription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.subs[sub.ID]; !exists {
		return ErrSubscriptionNotFound
	}
	s.subs[sub.ID] = sub.clone()
	return nil
}

func (s *MemorySubscriptionStore) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, exists := s.subs[id]; !exists {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}

// SubscriptionManager applies registration rules on top of a SubscriptionStore
type SubscriptionManager struct {
	store SubscriptionStore
	now   func() time.Time
}

// NewSubscriptionManager creates a manager backed by store
func NewSubscriptionManager(store SubscriptionStore) *SubscriptionManager {
	return &SubscriptionManager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and stores a new subscription. An unset retry policy gets
// DefaultRetryPolicy; a missing ID gets a UUID. New subscriptions are active.
func (m *SubscriptionManager) Register(ctx context.Context, sub *Subscription) error {
	if sub.RetryPolicy.IsZero() {
		sub.RetryPolicy = DefaultRetryPolicy()
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = m.now()
	sub.UpdatedAt = sub.CreatedAt

	if err := m.store.Create(ctx, sub); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	return nil
}

// Update merges non-empty fields of updates into the stored subscription
func (m *SubscriptionManager) Update(ctx context.Context, id string, updates *Subscription) (*Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if updates.Name != "" {
		sub.Name = updates.Name
	}
	if updates.TargetURL != "" {
		sub.TargetURL = updates.TargetURL
	}
	if updates.Secret != "" {
		sub.Secret = updates.Secret
	}
	if len(updates.EventTypePatterns) > 0 {
		sub.EventTypePatterns = updates.EventTypePatterns
	}
	if !updates.RetryPolicy.IsZero() {
		sub.RetryPolicy = updates.RetryPolicy
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}

	sub.UpdatedAt = m.now()
	if err := m.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Upsert stores sub as given, creating it when its ID is unknown. It is used to
// sync subscriptions declared in configuration.
func (m *SubscriptionManager) Upsert(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSubscription)
	}
	if sub.RetryPolicy.IsZero() {
		sub.RetryPolicy = DefaultRetryPolicy()
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	existing, err := m.store.Get(ctx, sub.ID)
	switch {
	case err == nil:
		sub.CreatedAt = existing.CreatedAt
		sub.UpdatedAt = m.now()
		return m.store.Update(ctx, sub)
	case errors.Is(err, ErrSubscriptionNotFound):
		sub.CreatedAt = m.now()
		sub.UpdatedAt = sub.CreatedAt
		return m.store.Create(ctx, sub)
	default:
		return err
	}
}

// SetActive enables or disables delivery to a subscription
func (m *SubscriptionManager) SetActive(ctx context.Context, id string, active bool) (*Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.Active = active
	sub.UpdatedAt = m.now()
	if err := m.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unregister removes a subscription
func (m *SubscriptionManager) Unregister(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Get returns one subscription
func (m *SubscriptionManager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.store.Get(ctx, id)
}

// List returns every subscription
func (m *SubscriptionManager) List(ctx context.Context) ([]*Subscription, error) {
	return m.store.List(ctx)
}
