package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/hookrelay/pkg/observability"
)

// State is the position of an endpoint's breaker
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config controls when breakers trip and recover
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a closed breaker
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold"`
	// SuccessThreshold is the number of trial successes that closes a half-open breaker
	SuccessThreshold int `json:"successThreshold" yaml:"successThreshold"`
	// OpenTimeout is how long a breaker stays open before admitting a trial
	OpenTimeout time.Duration `json:"openTimeout" yaml:"openTimeout"`
	// HalfOpenConcurrency bounds the trials in flight while half-open
	HalfOpenConcurrency int `json:"halfOpenConcurrency" yaml:"halfOpenConcurrency"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         60 * time.Second,
		HalfOpenConcurrency: 1,
	}
}

// Validate checks the configuration bounds
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.OpenTimeout < 0 {
		return errors.New("open timeout must not be negative")
	}
	if c.HalfOpenConcurrency < 1 {
		return fmt.Errorf("half-open concurrency must be at least 1, got %d", c.HalfOpenConcurrency)
	}
	return nil
}

// MinTrialTimeout is the shortest time a half-open trial may hold its slot
// without reporting before the slot is reclaimed
const MinTrialTimeout = 30 * time.Second

// maxSaveAttempts bounds how often an update is reapplied after losing a
// versioned write to another registry
const maxSaveAttempts = 5

// ErrVersionConflict is returned by a StateStore when the stored snapshot
// changed since it was loaded
var ErrVersionConflict = errors.New("circuit breaker state changed concurrently")

// Snapshot is a point-in-time copy of one endpoint's breaker
type Snapshot struct {
	EndpointKey      string     `json:"endpointKey"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failureCount"`
	SuccessCount     int        `json:"successCount"`
	HalfOpenInFlight int        `json:"halfOpenInFlight"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	OpenedAt         *time.Time `json:"openedAt,omitempty"`
	LastStateChange  time.Time  `json:"lastStateChange"`
	// TrialGeneration counts half-open periods; trial permits carry it
	TrialGeneration uint64     `json:"trialGeneration,omitempty"`
	LastTrialAt     *time.Time `json:"lastTrialAt,omitempty"`
	// Version is bumped by every saved mutation
	Version int64 `json:"version"`
}

// StateStore shares breaker state between registries and across restarts.
//
// Load returns (nil, nil) for keys it has never seen. Save stores snapshot
// only when the stored version is snapshot.Version-1, a missing key counting
// as version 0, and returns ErrVersionConflict otherwise.
type StateStore interface {
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Delete(ctx context.Context, key string) error
}

// StateChangeListener is notified after a breaker changes state
type StateChangeListener func(ctx context.Context, from, to State, snapshot Snapshot)

// Permit is one admission granted by Acquire. Trial is the half-open
// generation whose slot the request holds, zero when it was admitted while
// the breaker was closed.
type Permit struct {
	Key   string
	Trial uint64
}

type entry struct {
	mu   sync.Mutex
	snap Snapshot
}

type transition struct {
	from, to State
	snap     Snapshot
}

// Registry holds one breaker per endpoint key. Operations on a key are
// serialized by that key's lock; the map lock is held only for lookup and insert.
//
// With a StateStore every operation reloads the key's snapshot under its lock
// and writes changes back with a version check, so registries in several
// processes act on one shared breaker per endpoint.
type Registry struct {
	config Config

	mu      sync.RWMutex
	entries map[string]*entry

	store     StateStore
	listeners []StateChangeListener
	logger    *observability.Logger
	now       func() time.Time
}

// NewRegistry creates a registry. Invalid configuration falls back to DefaultConfig.
func NewRegistry(config Config, logger *observability.Logger) *Registry {
	if err := config.Validate(); err != nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config:  config,
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// SetStateStore attaches a store that holds the authoritative breaker state
func (r *Registry) SetStateStore(store StateStore) {
	r.store = store
}

// OnStateChange registers a listener for state transitions
func (r *Registry) OnStateChange(listener StateChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Config returns the active configuration
func (r *Registry) Config() Config {
	return r.config
}

func closedSnapshot(key string, now time.Time) Snapshot {
	return Snapshot{EndpointKey: key, State: StateClosed, LastStateChange: now}
}

func (r *Registry) getEntry(key string) *entry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &entry{snap: closedSnapshot(key, r.now())}
	r.entries[key] = e
	return e
}

func (r *Registry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// refresh replaces the local copy with the stored snapshot. The caller holds
// e.mu. A load error keeps the local copy.
func (r *Registry) refresh(ctx context.Context, e *entry) {
	if r.store == nil {
		return
	}
	key := e.snap.EndpointKey
	stored, err := r.store.Load(ctx, key)
	if err != nil {
		r.logger.WithError(err).WithField("endpoint", key).Warn("failed to load circuit breaker state")
		return
	}
	if stored == nil {
		// reset by another registry or expired
		if e.snap.Version > 0 {
			e.snap = closedSnapshot(key, r.now())
		}
		return
	}
	e.snap = *stored
	e.snap.EndpointKey = key
}

// update runs fn on key's breaker under its lock and saves the result when fn
// reports a change. A write lost to another registry reloads and reruns fn.
// Other store errors are logged and the local result is kept.
func (r *Registry) update(ctx context.Context, key string, fn func(s *Snapshot, now time.Time) (bool, *transition)) *transition {
	e := r.getEntry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 1; ; attempt++ {
		r.refresh(ctx, e)

		next := e.snap
		changed, t := fn(&next, r.now())
		if !changed {
			return nil
		}
		next.Version = e.snap.Version + 1

		if r.store != nil {
			err := r.store.Save(ctx, next)
			if errors.Is(err, ErrVersionConflict) && attempt < maxSaveAttempts {
				continue
			}
			if err != nil {
				r.logger.WithError(err).WithFields(map[string]interface{}{
					"endpoint": key,
					"attempt":  attempt,
				}).Warn("failed to persist circuit breaker state")
			}
		}

		e.snap = next
		if t != nil {
			t.snap = next
		}
		return t
	}
}

func (r *Registry) notify(ctx context.Context, t *transition) {
	if t == nil {
		return
	}

	r.logger.WithFields(map[string]interface{}{
		"endpoint":      t.snap.EndpointKey,
		"from":          string(t.from),
		"to":            string(t.to),
		"failure_count": t.snap.FailureCount,
	}).Info("circuit breaker state changed")

	r.mu.RLock()
	listeners := append([]StateChangeListener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, t.from, t.to, t.snap)
	}
}

func moveTo(s *Snapshot, to State, now time.Time) *transition {
	from := s.State
	s.State = to
	s.LastStateChange = now
	return &transition{from: from, to: to}
}

func (r *Registry) trialTimeout() time.Duration {
	if r.config.OpenTimeout > MinTrialTimeout {
		return r.config.OpenTimeout
	}
	return MinTrialTimeout
}

// Acquire asks to send a request to key. An open breaker whose timeout has
// elapsed moves to half-open and grants the first trial. While half-open at
// most HalfOpenConcurrency trials are held at once; trials that have not
// reported within the trial timeout are presumed lost and their slots reclaimed.
func (r *Registry) Acquire(ctx context.Context, key string) (Permit, bool) {
	var (
		permit  Permit
		allowed bool
	)

	t := r.update(ctx, key, func(s *Snapshot, now time.Time) (bool, *transition) {
		permit = Permit{Key: key}
		allowed = false

		var t *transition
		switch s.State {
		case StateClosed:
			allowed = true
			return false, nil

		case StateOpen:
			if s.OpenedAt != nil && now.Sub(*s.OpenedAt) < r.config.OpenTimeout {
				return false, nil
			}
			t = moveTo(s, StateHalfOpen, now)
			s.SuccessCount = 0
			s.HalfOpenInFlight = 0
			s.TrialGeneration++

		case StateHalfOpen:
			if s.HalfOpenInFlight >= r.config.HalfOpenConcurrency {
				if s.LastTrialAt != nil && now.Sub(*s.LastTrialAt) < r.trialTimeout() {
					return false, nil
				}
				s.HalfOpenInFlight = 0
			}
		}

		s.HalfOpenInFlight++
		s.LastTrialAt = &now
		permit.Trial = s.TrialGeneration
		allowed = true
		return true, t
	})

	r.notify(ctx, t)
	return permit, allowed
}

// CanExecute reports whether a request to key may proceed. It is Acquire
// without the permit; outcomes are then reported with RecordSuccess and
// RecordFailure.
func (r *Registry) CanExecute(ctx context.Context, key string) bool {
	_, allowed := r.Acquire(ctx, key)
	return allowed
}

// Succeed records a successful request admitted by permit. Only a trial of
// the current half-open period frees its slot.
func (r *Registry) Succeed(ctx context.Context, permit Permit) {
	r.recordSuccess(ctx, permit.Key, func(s *Snapshot) bool {
		return permit.Trial != 0 && permit.Trial == s.TrialGeneration
	})
}

// RecordSuccess records a successful request to key. Without a permit any
// success seen while half-open frees a trial slot, including one for a request
// admitted before the breaker opened; use Acquire and Succeed for exact
// accounting.
func (r *Registry) RecordSuccess(ctx context.Context, key string) {
	r.recordSuccess(ctx, key, func(*Snapshot) bool { return true })
}

func (r *Registry) recordSuccess(ctx context.Context, key string, holdsTrial func(*Snapshot) bool) {
	t := r.update(ctx, key, func(s *Snapshot, now time.Time) (bool, *transition) {
		switch s.State {
		case StateClosed:
			changed := s.FailureCount != 0
			s.FailureCount = 0
			return changed, nil

		case StateHalfOpen:
			s.SuccessCount++
			if s.HalfOpenInFlight > 0 && holdsTrial(s) {
				s.HalfOpenInFlight--
			}
			if s.SuccessCount < r.config.SuccessThreshold {
				return true, nil
			}
			t := moveTo(s, StateClosed, now)
			s.FailureCount = 0
			s.SuccessCount = 0
			s.HalfOpenInFlight = 0
			s.OpenedAt = nil
			s.LastTrialAt = nil
			return true, t
		}
		return false, nil
	})

	r.notify(ctx, t)
}

// Fail records a failed request admitted by permit
func (r *Registry) Fail(ctx context.Context, permit Permit) {
	r.RecordFailure(ctx, permit.Key)
}

// RecordFailure records a failed request to key
func (r *Registry) RecordFailure(ctx context.Context, key string) {
	t := r.update(ctx, key, func(s *Snapshot, now time.Time) (bool, *transition) {
		var t *transition
		at := now
		s.LastFailureAt = &at

		switch s.State {
		case StateClosed:
			s.FailureCount++
			if s.FailureCount >= r.config.FailureThreshold {
				t = moveTo(s, StateOpen, now)
				s.OpenedAt = &at
			}

		case StateHalfOpen:
			t = moveTo(s, StateOpen, now)
			s.OpenedAt = &at
			s.SuccessCount = 0
			s.HalfOpenInFlight = 0

		case StateOpen:
			s.FailureCount++
		}
		return true, t
	})

	r.notify(ctx, t)
}

// Cancel gives back a permit whose request never produced an outcome, such as
// one cut off by shutdown. A trial permit frees its slot; nothing is counted.
func (r *Registry) Cancel(ctx context.Context, permit Permit) {
	if permit.Trial == 0 {
		return
	}
	r.update(ctx, permit.Key, func(s *Snapshot, _ time.Time) (bool, *transition) {
		if s.State != StateHalfOpen || s.TrialGeneration != permit.Trial || s.HalfOpenInFlight == 0 {
			return false, nil
		}
		s.HalfOpenInFlight--
		return true, nil
	})
}

// GetState returns the current state for key; unknown keys are closed
func (r *Registry) GetState(ctx context.Context, key string) State {
	return r.Snapshot(ctx, key).State
}

// Snapshot returns a copy of the breaker for key. It never adds a key to the
// registry: a key this registry has not used is read from the store, or
// reported closed with zero counters.
func (r *Registry) Snapshot(ctx context.Context, key string) Snapshot {
	e, ok := r.lookup(key)
	if !ok {
		if r.store != nil {
			stored, err := r.store.Load(ctx, key)
			if err != nil {
				r.logger.WithError(err).WithField("endpoint", key).Warn("failed to load circuit breaker state")
			} else if stored != nil {
				snap := *stored
				snap.EndpointKey = key
				return snap
			}
		}
		return Snapshot{EndpointKey: key, State: StateClosed}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	r.refresh(ctx, e)
	return e.snap
}

// Snapshots returns this registry's last known copy of every breaker it has
// used, sorted by key
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.snap)
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndpointKey < result[j].EndpointKey
	})
	return result
}

// Reset forces the breaker for key back to closed with cleared counters
func (r *Registry) Reset(ctx context.Context, key string) {
	e := r.getEntry(key)
	e.mu.Lock()
	r.refresh(ctx, e)

	now := r.now()
	var t *transition
	if e.snap.State != StateClosed {
		t = &transition{from: e.snap.State, to: StateClosed}
	}
	e.snap = closedSnapshot(key, now)

	if r.store != nil {
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.WithError(err).WithField("endpoint", key).Warn("failed to delete circuit breaker state")
		}
	}
	if t != nil {
		t.snap = e.snap
	}
	e.mu.Unlock()

	r.notify(ctx, t)
}
