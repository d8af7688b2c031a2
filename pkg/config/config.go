package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hookrelay/pkg/circuitbreaker"
	"github.com/platinummonkey/hookrelay/pkg/notify"
	"github.com/platinummonkey/hookrelay/pkg/observability"
	"github.com/platinummonkey/hookrelay/pkg/storage"
	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Delivery      DeliveryConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig

	// Subscriptions declared in a YAML file, re-applied when the file changes
	SubscriptionsFile  string
	WatchSubscriptions bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// AdminTokens are the bearer tokens accepted by the admin API; empty disables auth
	AdminTokens []string
	// EventsPerMinute limits POST /events per client IP; zero disables the limit
	EventsPerMinute int
	EventsBurst     int

	// Admin audit trail: JSON lines under AuditLogDir and/or the
	// webhook_admin_audit table. Both empty/false disables auditing.
	AuditLogDir   string
	AuditDatabase bool
}

// DeliveryConfig holds the outbound delivery settings
type DeliveryConfig struct {
	Breaker     circuitbreaker.Config
	RetryPolicy webhooks.RetryPolicy

	// RequestTimeout bounds one attempt; clamped to webhooks.MaxRequestTimeout
	RequestTimeout time.Duration
	Environment    string
	Source         string

	// Terminal deliveries and dead letters older than RetentionPeriod are
	// purged on RetentionSchedule (cron syntax). Zero disables the purge.
	RetentionPeriod   time.Duration
	RetentionSchedule string
}

// NotifyConfig selects the operator notification channels. Empty values
// disable a channel.
type NotifyConfig struct {
	SlackWebhookURL  string
	TeamsWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string
	TelegramAPIBase  string
	// BreakerAlerts also notifies on circuit breaker transitions
	BreakerAlerts bool
}

// Enabled reports whether any channel is configured
func (n NotifyConfig) Enabled() bool {
	return n.SlackWebhookURL != "" || n.TeamsWebhookURL != "" || n.TelegramBotToken != ""
}

// Channels builds one notify.Channel per configured destination
func (n NotifyConfig) Channels() []notify.Channel {
	var channels []notify.Channel
	if n.SlackWebhookURL != "" {
		channels = append(channels, notify.NewSlack(n.SlackWebhookURL, nil))
	}
	if n.TeamsWebhookURL != "" {
		channels = append(channels, notify.NewTeams(n.TeamsWebhookURL, nil))
	}
	if n.TelegramBotToken != "" {
		channels = append(channels, notify.NewTelegram(n.TelegramAPIBase, n.TelegramBotToken, n.TelegramChatID, nil))
	}
	return channels
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel converts the settings for observability.InitOTel
func (o ObservabilityConfig) OTel(environment string) observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Environment:    environment,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from HOOKRELAY_* environment variables
func LoadConfig() (*Config, error) {
	delivery, err := loadDeliveryConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:             loadServerConfig(),
		Storage:            loadStorageConfig(),
		Delivery:           delivery,
		Notify:             loadNotifyConfig(),
		Observability:      loadObservabilityConfig(),
		SubscriptionsFile:  getEnv("HOOKRELAY_SUBSCRIPTIONS_FILE", ""),
		WatchSubscriptions: getEnvBool("HOOKRELAY_SUBSCRIPTIONS_WATCH", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("HOOKRELAY_HOST", "0.0.0.0"),
		Port:            getEnv("HOOKRELAY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HOOKRELAY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HOOKRELAY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("HOOKRELAY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("HOOKRELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("HOOKRELAY_HEALTH_PORT", "9090"),
		AdminTokens:     splitList(getEnv("HOOKRELAY_ADMIN_TOKENS", "")),
		EventsPerMinute: getEnvInt("HOOKRELAY_EVENTS_PER_MINUTE", 0),
		EventsBurst:     getEnvInt("HOOKRELAY_EVENTS_BURST", 0),
		AuditLogDir:     getEnv("HOOKRELAY_AUDIT_LOG_DIR", ""),
		AuditDatabase:   getEnvBool("HOOKRELAY_AUDIT_DATABASE", false),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.Type = getEnv("HOOKRELAY_STORAGE_TYPE", cfg.Type)
	cfg.MemoryMaxDeliveries = getEnvInt("HOOKRELAY_MEMORY_MAX_DELIVERIES", cfg.MemoryMaxDeliveries)

	cfg.PostgresURL = getEnv("HOOKRELAY_POSTGRES_URL", "")
	cfg.PostgresReplicaURLs = getEnv("HOOKRELAY_POSTGRES_REPLICA_URLS", "")
	if maxConns := getEnvInt("HOOKRELAY_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("HOOKRELAY_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("HOOKRELAY_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.S3Endpoint = getEnv("HOOKRELAY_S3_ENDPOINT", "")
	cfg.S3Region = getEnv("HOOKRELAY_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("HOOKRELAY_S3_BUCKET", "")
	cfg.S3Prefix = getEnv("HOOKRELAY_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("HOOKRELAY_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("HOOKRELAY_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("HOOKRELAY_S3_USE_PATH_STYLE", false)

	cfg.RedisURL = getEnv("HOOKRELAY_REDIS_URL", "")
	cfg.RedisPassword = getEnv("HOOKRELAY_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("HOOKRELAY_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("HOOKRELAY_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("HOOKRELAY_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	cfg.RedisKeyPrefix = getEnv("HOOKRELAY_REDIS_KEY_PREFIX", cfg.RedisKeyPrefix)
	cfg.BreakerStateTTL = getEnvDuration("HOOKRELAY_BREAKER_STATE_TTL", cfg.BreakerStateTTL)

	return cfg
}

func loadDeliveryConfig() (DeliveryConfig, error) {
	breaker := circuitbreaker.DefaultConfig()
	breaker.FailureThreshold = getEnvInt("HOOKRELAY_BREAKER_FAILURE_THRESHOLD", breaker.FailureThreshold)
	breaker.SuccessThreshold = getEnvInt("HOOKRELAY_BREAKER_SUCCESS_THRESHOLD", breaker.SuccessThreshold)
	breaker.OpenTimeout = getEnvDuration("HOOKRELAY_BREAKER_OPEN_TIMEOUT", breaker.OpenTimeout)
	breaker.HalfOpenConcurrency = getEnvInt("HOOKRELAY_BREAKER_HALF_OPEN_CONCURRENCY", breaker.HalfOpenConcurrency)

	policy := webhooks.DefaultRetryPolicy()
	policy.MaxAttempts = getEnvInt("HOOKRELAY_RETRY_MAX_ATTEMPTS", policy.MaxAttempts)
	if raw := getEnv("HOOKRELAY_RETRY_DELAYS", ""); raw != "" {
		delays, err := ParseDurationList(raw)
		if err != nil {
			return DeliveryConfig{}, fmt.Errorf("HOOKRELAY_RETRY_DELAYS: %w", err)
		}
		policy.Delays = delays
	}

	return DeliveryConfig{
		Breaker:           breaker,
		RetryPolicy:       policy,
		RequestTimeout:    getEnvDuration("HOOKRELAY_REQUEST_TIMEOUT", webhooks.DefaultRequestTimeout),
		Environment:       getEnv("HOOKRELAY_ENVIRONMENT", "production"),
		Source:            getEnv("HOOKRELAY_SOURCE", "hookrelay"),
		RetentionPeriod:   getEnvDuration("HOOKRELAY_RETENTION_PERIOD", 30*24*time.Hour),
		RetentionSchedule: getEnv("HOOKRELAY_RETENTION_SCHEDULE", "@daily"),
	}, nil
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		SlackWebhookURL:  getEnv("HOOKRELAY_SLACK_WEBHOOK_URL", ""),
		TeamsWebhookURL:  getEnv("HOOKRELAY_TEAMS_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("HOOKRELAY_TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("HOOKRELAY_TELEGRAM_CHAT_ID", ""),
		TelegramAPIBase:  getEnv("HOOKRELAY_TELEGRAM_API_BASE", ""),
		BreakerAlerts:    getEnvBool("HOOKRELAY_NOTIFY_BREAKER_ALERTS", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("HOOKRELAY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("HOOKRELAY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("HOOKRELAY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("HOOKRELAY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("HOOKRELAY_OTEL_SERVICE_NAME", "hookrelay"),
		OTelServiceVersion: getEnv("HOOKRELAY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("HOOKRELAY_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("HOOKRELAY_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.EventsPerMinute < 0 || c.Server.EventsBurst < 0 {
		return fmt.Errorf("event rate limit must not be negative")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Server.AuditDatabase && c.Storage.Type != storage.TypePostgres {
		return fmt.Errorf("database audit log requires postgres storage")
	}

	if err := c.Delivery.Breaker.Validate(); err != nil {
		return fmt.Errorf("circuit breaker: %w", err)
	}
	if err := c.Delivery.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if c.Delivery.RequestTimeout <= 0 || c.Delivery.RequestTimeout > webhooks.MaxRequestTimeout {
		return fmt.Errorf("request timeout must be between 0 and %s, got %s", webhooks.MaxRequestTimeout, c.Delivery.RequestTimeout)
	}
	if c.Delivery.RetentionPeriod < 0 {
		return fmt.Errorf("retention period must not be negative")
	}
	if c.Delivery.RetentionPeriod > 0 {
		if _, err := cron.ParseStandard(c.Delivery.RetentionSchedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.Delivery.RetentionSchedule, err)
		}
	}

	if (c.Notify.TelegramBotToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("telegram notifications need both a bot token and a chat ID")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// splitList splits a comma-separated value, dropping blanks
func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// ParseDurationList parses a comma-separated list such as "1m,5m,30m"
func ParseDurationList(s string) ([]time.Duration, error) {
	var result []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", part, err)
		}
		result = append(result, d)
	}
	return result, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
