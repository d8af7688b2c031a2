package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/storage"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// NewRedisClient creates a Redis client from the storage config and pings it
func NewRedisClient(config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// BreakerStore persists circuit breaker snapshots in Redis so breaker state
// survives restarts and is shared by every dispatcher instance. Save is a
// versioned compare-and-swap under WATCH.
type BreakerStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ circuitbreaker.StateStore = (*BreakerStore)(nil)

// NewBreakerStore creates a store writing keys under prefix. Snapshots expire
// after ttl without writes (never when ttl <= 0).
func NewBreakerStore(client *redis.Client, prefix string, ttl time.Duration) *BreakerStore {
	if prefix == "" {
		prefix = "hookrelay"
	}
	return &BreakerStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *BreakerStore) key(endpoint string) string {
	return fmt.Sprintf("%s:breaker:%s", s.prefix, endpoint)
}

func (s *BreakerStore) Load(ctx context.Context, endpoint string) (*circuitbreaker.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(endpoint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var snap circuitbreaker.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// corrupt entries are dropped so the endpoint starts CLOSED
		s.client.Del(ctx, s.key(endpoint))
		return nil, fmt.Errorf("failed to unmarshal breaker snapshot: %w", err)
	}
	return &snap, nil
}

// Save writes snap when the stored version is snap.Version-1 and returns
// circuitbreaker.ErrVersionConflict otherwise
func (s *BreakerStore) Save(ctx context.Context, snap circuitbreaker.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker snapshot: %w", err)
	}

	key := s.key(snap.EndpointKey)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		version, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if version != snap.Version-1 {
			return circuitbreaker.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuitbreaker.ErrVersionConflict):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return circuitbreaker.ErrVersionConflict
	default:
		return fmt.Errorf("redis save failed: %w", err)
	}
}

// storedVersion reads the version of the snapshot at key. Missing and corrupt
// entries count as version 0 so they can be overwritten.
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	var stored struct {
		Version int64 `json:"version"`
	}
	if json.Unmarshal(data, &stored) != nil {
		return 0, nil
	}
	return stored.Version, nil
}

func (s *BreakerStore) Delete(ctx context.Context, endpoint string) error {
	if err := s.client.Del(ctx, s.key(endpoint)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

const (
	idempotencyProcessing = "processing"
	idempotencyDone       = "done"
)

// reserveScript sets a reservation unless the key exists and returns the
// existing value, or an empty string when the caller now holds the key
var reserveScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	return current
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return ""`)

// releaseScript deletes a key only while it is still a reservation
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisIdempotencyStore keeps receiver idempotency keys in Redis. Reservations
// expire after reserveTTL so a crashed receiver does not block retries forever;
// committed keys live for retention.
type RedisIdempotencyStore struct {
	client     *redis.Client
	prefix     string
	reserveTTL time.Duration
	retention  time.Duration
}

// NewRedisIdempotencyStore creates a store; zero durations default to 5 minutes
// and 7 days
func NewRedisIdempotencyStore(client *redis.Client, prefix string, reserveTTL, retention time.Duration) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "hookrelay"
	}
	if reserveTTL <= 0 {
		reserveTTL = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, reserveTTL: reserveTTL, retention: retention}
}

func (s *RedisIdempotencyStore) key(k string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, k)
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (webhooks.ReserveResult, error) {
	current, err := reserveScript.Run(ctx, s.client, []string{s.key(key)},
		idempotencyProcessing, s.reserveTTL.Milliseconds()).Text()
	if err != nil {
		return webhooks.InProgress, fmt.Errorf("redis reserve failed: %w", err)
	}
	switch current {
	case "":
		return webhooks.Reserved, nil
	case idempotencyDone:
		return webhooks.Processed, nil
	default:
		return webhooks.InProgress, nil
	}
}

func (s *RedisIdempotencyStore) Commit(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.key(key), idempotencyDone, s.retention).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, idempotencyProcessing).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}
