package receiver

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

const (
	// DefaultMemoryCapacity bounds the keys a MemoryIdempotencyStore remembers
	DefaultMemoryCapacity = 100000
	// DefaultRetention is how long a processed key blocks duplicates
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultStaleAfter is how long an unfinished reservation holds a key
	DefaultStaleAfter = 5 * time.Minute
)

type keyState struct {
	done       bool
	reservedAt time.Time
}

// MemoryIdempotencyStore keeps keys in a bounded, expiring LRU. It only
// deduplicates within one process; use the Redis or PostgreSQL stores when
// several receivers share traffic.
type MemoryIdempotencyStore struct {
	mu         sync.Mutex
	keys       *lru.LRU[string, keyState]
	staleAfter time.Duration
	now        func() time.Time
}

// NewMemoryIdempotencyStore creates a store holding at most capacity keys for retention
func NewMemoryIdempotencyStore(capacity int, retention time.Duration) *MemoryIdempotencyStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryIdempotencyStore{
		keys:       lru.NewLRU[string, keyState](capacity, nil, retention),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// Reserve claims key unless it is done or reserved within the stale window
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string) (webhooks.ReserveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if state, ok := s.keys.Get(key); ok {
		if state.done {
			return webhooks.Processed, nil
		}
		if now.Sub(state.reservedAt) < s.staleAfter {
			return webhooks.InProgress, nil
		}
	}
	s.keys.Add(key, keyState{reservedAt: now})
	return webhooks.Reserved, nil
}

// Commit marks key done
func (s *MemoryIdempotencyStore) Commit(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys.Add(key, keyState{done: true, reservedAt: s.now()})
	return nil
}

// Release forgets an unfinished reservation. Done keys are kept.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.keys.Peek(key); ok && !state.done {
		s.keys.Remove(key)
	}
	return nil
}

// Len returns the number of remembered keys
func (s *MemoryIdempotencyStore) Len() int {
	return s.keys.Len()
}
