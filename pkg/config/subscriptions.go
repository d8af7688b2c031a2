package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// SubscriptionsFile is the YAML document listing declared subscriptions
type SubscriptionsFile struct {
	Subscriptions []SubscriptionEntry `yaml:"subscriptions"`
}

// SubscriptionEntry declares one subscription. Secret is expanded from the
// environment, so "${ERP_WEBHOOK_SECRET}" keeps secrets out of the file.
type SubscriptionEntry struct {
	ID         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	TargetURL  string      `yaml:"targetUrl"`
	Secret     string      `yaml:"secret"`
	EventTypes []string    `yaml:"eventTypes"`
	Active     *bool       `yaml:"active"`
	Retry      *RetryEntry `yaml:"retry"`
}

// RetryEntry overrides the default retry policy for one subscription
type RetryEntry struct {
	MaxAttempts int      `yaml:"maxAttempts"`
	Delays      []string `yaml:"delays"`
}

// LoadSubscriptionsFile reads and parses a subscriptions file
func LoadSubscriptionsFile(path string) ([]*webhooks.Subscription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriptions file: %w", err)
	}
	return ParseSubscriptions(data)
}

// ParseSubscriptions converts YAML into subscriptions. Entries default to
// active with the default retry policy. IDs must be present and unique.
func ParseSubscriptions(data []byte) ([]*webhooks.Subscription, error) {
	var file SubscriptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse subscriptions file: %w", err)
	}

	seen := make(map[string]bool, len(file.Subscriptions))
	subs := make([]*webhooks.Subscription, 0, len(file.Subscriptions))
	for i, entry := range file.Subscriptions {
		if entry.ID == "" {
			return nil, fmt.Errorf("subscription %d: id is required", i)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("subscription %s: duplicate id", entry.ID)
		}
		seen[entry.ID] = true

		sub, err := entry.toSubscription()
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", entry.ID, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (e SubscriptionEntry) toSubscription() (*webhooks.Subscription, error) {
	sub := &webhooks.Subscription{
		ID:                e.ID,
		Name:              e.Name,
		TargetURL:         e.TargetURL,
		Secret:            os.ExpandEnv(e.Secret),
		EventTypePatterns: e.EventTypes,
		Active:            true,
		RetryPolicy:       webhooks.DefaultRetryPolicy(),
	}
	if sub.Name == "" {
		sub.Name = e.ID
	}
	if e.Active != nil {
		sub.Active = *e.Active
	}

	if e.Retry != nil {
		policy := webhooks.RetryPolicy{MaxAttempts: e.Retry.MaxAttempts}
		for _, raw := range e.Retry.Delays {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid retry delay %q: %w", raw, err)
			}
			policy.Delays = append(policy.Delays, d)
		}
		if policy.MaxAttempts == 0 {
			policy.MaxAttempts = len(policy.Delays) + 1
		}
		sub.RetryPolicy = policy
	}

	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Upserter stores a subscription, creating or replacing it by ID
type Upserter interface {
	Upsert(ctx context.Context, sub *webhooks.Subscription) error
}

// ApplySubscriptions upserts every subscription, continuing past failures
func ApplySubscriptions(ctx context.Context, target Upserter, subs []*webhooks.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if err := target.Upsert(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SubscriptionWatcher re-applies a subscriptions file whenever it changes.
// Subscriptions removed from the file are left in place.
type SubscriptionWatcher struct {
	path     string
	target   Upserter
	logger   *observability.Logger
	debounce time.Duration
}

// NewSubscriptionWatcher creates a watcher for path
func NewSubscriptionWatcher(path string, target Upserter, logger *observability.Logger) *SubscriptionWatcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SubscriptionWatcher{
		path:     path,
		target:   target,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Sync loads the file once and applies it
func (w *SubscriptionWatcher) Sync(ctx context.Context) error {
	subs, err := LoadSubscriptionsFile(w.path)
	if err != nil {
		return err
	}
	if err := ApplySubscriptions(ctx, w.target, subs); err != nil {
		return err
	}
	w.logger.WithField("count", len(subs)).Info("Subscriptions applied")
	return nil
}

// Run watches the file until ctx is cancelled. The parent directory is
// watched so that editors replacing the file by rename are seen.
func (w *SubscriptionWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			if err := w.Sync(ctx); err != nil {
				w.logger.WithError(err).Error("Failed to reload subscriptions")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Subscription watcher error")
		}
	}
}
