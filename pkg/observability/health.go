package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker reports liveness and dependency readiness. The database is
// critical; Redis and any extra checks only degrade readiness.
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker creates a health checker. db and redis may be nil.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	return &HealthChecker{
		db:      db,
		redis:   redis,
		version: version,
	}
}

// AddCheck registers an extra dependency probe. A failing critical check makes
// the service unhealthy; a failing non-critical one degrades it.
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness answers 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Check probes every configured dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		status.merge("database", true, h.checkDatabase(ctx))
	}
	if h.redis != nil {
		status.merge("redis", false, h.probe(ctx, func(ctx context.Context) error {
			return h.redis.Ping(ctx).Err()
		}))
	}

	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	for _, c := range checks {
		status.merge(c.name, c.critical, h.probe(ctx, c.fn))
	}
	return status
}

func (s *HealthStatus) merge(name string, critical bool, dep DependencyStatus) {
	s.Dependencies[name] = dep
	switch {
	case dep.Status == StatusUnhealthy && critical:
		s.Status = StatusUnhealthy
	case dep.Status != StatusHealthy && s.Status == StatusHealthy:
		s.Status = StatusDegraded
	}
}

func (h *HealthChecker) probe(ctx context.Context, fn CheckFunc) DependencyStatus {
	start := time.Now()
	err := fn(ctx)
	status := DependencyStatus{
		Status:    StatusHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	status := h.probe(ctx, func(ctx context.Context) error {
		if err := h.db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	if status.Status != StatusHealthy {
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}
	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
