// Package config loads hookrelay configuration from environment variables
// and declared subscriptions from a YAML file.
//
// # Environment
//
// Server settings:
//
//	HOOKRELAY_HOST="0.0.0.0"
//	HOOKRELAY_PORT="8080"
//	HOOKRELAY_HEALTH_PORT="9090"
//	HOOKRELAY_SHUTDOWN_TIMEOUT="30s"
//	HOOKRELAY_ADMIN_TOKENS="ops-token,ci-token"   # bearer tokens for the admin API
//	HOOKRELAY_EVENTS_PER_MINUTE="600"             # POST /events per client IP
//	HOOKRELAY_AUDIT_LOG_DIR="/var/log/hookrelay"  # JSON-lines admin audit trail
//	HOOKRELAY_AUDIT_DATABASE="true"               # also write webhook_admin_audit
//
// Storage settings:
//
//	HOOKRELAY_STORAGE_TYPE="postgres"  # memory, postgres
//	HOOKRELAY_POSTGRES_URL="postgres://localhost/hookrelay"
//	HOOKRELAY_POSTGRES_REPLICA_URLS="postgres://replica-1/hookrelay,postgres://replica-2/hookrelay"
//	HOOKRELAY_REDIS_URL="redis://localhost:6379"   # shared breaker state
//	HOOKRELAY_S3_BUCKET="hookrelay-dead-letters"   # dead-letter archive
//
// Delivery settings:
//
//	HOOKRELAY_BREAKER_FAILURE_THRESHOLD="5"
//	HOOKRELAY_BREAKER_OPEN_TIMEOUT="60s"
//	HOOKRELAY_RETRY_MAX_ATTEMPTS="6"
//	HOOKRELAY_RETRY_DELAYS="1m,5m,30m,2h,12h"
//	HOOKRELAY_REQUEST_TIMEOUT="10s"
//	HOOKRELAY_RETENTION_PERIOD="720h"
//	HOOKRELAY_RETENTION_SCHEDULE="@daily"
//
// Notifications (each channel is optional):
//
//	HOOKRELAY_SLACK_WEBHOOK_URL="https://hooks.slack.com/services/..."
//	HOOKRELAY_TEAMS_WEBHOOK_URL="https://example.webhook.office.com/..."
//	HOOKRELAY_TELEGRAM_BOT_TOKEN="123:abc"
//	HOOKRELAY_TELEGRAM_CHAT_ID="-1001234"
//
// Observability:
//
//	HOOKRELAY_LOG_LEVEL="info"
//	HOOKRELAY_METRICS_ENABLED="true"
//	HOOKRELAY_OTEL_ENABLED="true"
//	HOOKRELAY_OTEL_ENDPOINT="otel-collector:4317"
//
// # Subscriptions File
//
//	subscriptions:
//	  - id: erp
//	    targetUrl: https://erp.example.com/hooks
//	    secret: ${ERP_WEBHOOK_SECRET}
//	    eventTypes: ["producto.*", "pedido.creado"]
//	    retry:
//	      maxAttempts: 3
//	      delays: ["30s", "5m"]
//
// With HOOKRELAY_SUBSCRIPTIONS_WATCH enabled, a SubscriptionWatcher upserts
// the file's subscriptions again each time it is written.
package config
