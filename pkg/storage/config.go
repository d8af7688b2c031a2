package storage

import (
	"fmt"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Config for storage backends
type Config struct {
	Type string // "memory" or "postgres"

	// In-memory ledger bound
	MemoryMaxDeliveries int

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string // comma separated
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// S3 dead-letter archive (disabled when S3Bucket is empty)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config (breaker state and receiver idempotency)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	RedisKeyPrefix  string
	BreakerStateTTL time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		MemoryMaxDeliveries: 10000,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		S3Region:            "us-east-1",
		S3Prefix:            "dead-letters",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		RedisKeyPrefix:      "hookrelay",
		BreakerStateTTL:     7 * 24 * time.Hour,
	}
}

// RedisEnabled reports whether a Redis URL is configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// ArchiveEnabled reports whether dead letters are archived to S3
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// Validate checks that the selected backend has what it needs
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		if c.MemoryMaxDeliveries < 0 {
			return fmt.Errorf("memory max deliveries must not be negative")
		}
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required when storage type is postgres")
		}
		if c.PostgresMaxConns < 1 {
			return fmt.Errorf("postgres max connections must be at least 1")
		}
		if c.PostgresMinConns < 0 || c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min connections must be between 0 and max connections")
		}
	default:
		return fmt.Errorf("unknown storage type %q (want %q or %q)", c.Type, TypeMemory, TypePostgres)
	}

	if c.ArchiveEnabled() && c.S3Region == "" {
		return fmt.Errorf("S3 region is required when the dead-letter archive is enabled")
	}
	return nil
}
