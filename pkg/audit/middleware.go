package audit

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hookrelay/pkg/httputil"
	"github.com/platinummonkey/hookrelay/pkg/middleware"
	"github.com/platinummonkey/hookrelay/pkg/observability"
)

// Middleware records admin API requests to an audit logger
type Middleware struct {
	logger         Logger
	log            *observability.Logger
	logAllRequests bool // If false, only mutations and failed requests are recorded
	now            func() time.Time
}

// NewMiddleware creates a new audit middleware
func NewMiddleware(logger Logger, log *observability.Logger, logAllRequests bool) *Middleware {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Middleware{
		logger:         logger,
		log:            log,
		logAllRequests: logAllRequests,
		now:            time.Now,
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Handler wraps an HTTP handler with audit logging. Use it as a mux router
// middleware so the matched route template names the action.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if !m.logAllRequests && !shouldLogRequest(r, wrapped.statusCode) {
			return
		}

		event := m.buildEvent(r, wrapped.statusCode, m.now().Sub(start))
		if err := m.logger.Log(r.Context(), event); err != nil {
			m.log.WithError(err).WithField("action", event.Action).Warn("failed to write audit event")
		}
	})
}

func (m *Middleware) buildEvent(r *http.Request, statusCode int, duration time.Duration) *Event {
	path := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			path = tmpl
		}
	}

	requestID := observability.GetCorrelationID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get(httputil.RequestIDHeader)
	}

	return &Event{
		Timestamp:    m.now().UTC(),
		Action:       r.Method + " " + path,
		Status:       StatusFromCode(statusCode),
		ResourceType: resourceFromPath(r.URL.Path),
		ResourceID:   mux.Vars(r)["id"],
		ClientIP:     middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
		RequestID:    requestID,
		Method:       r.Method,
		Path:         r.URL.Path,
		StatusCode:   statusCode,
		DurationMS:   duration.Milliseconds(),
	}
}

// shouldLogRequest records mutations and any request that failed or was denied
func shouldLogRequest(r *http.Request, statusCode int) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	return statusCode >= http.StatusBadRequest
}
