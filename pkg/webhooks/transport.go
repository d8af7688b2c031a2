package webhooks

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultRequestTimeout is the per-attempt timeout when none is configured
	DefaultRequestTimeout = 10 * time.Second
	// MaxRequestTimeout caps any configured per-attempt timeout
	MaxRequestTimeout = 30 * time.Second
)

// HTTPDoer sends a single HTTP request
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClampRequestTimeout applies the default and the upper bound to a configured timeout
func ClampRequestTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRequestTimeout
	}
	if d > MaxRequestTimeout {
		return MaxRequestTimeout
	}
	return d
}

// NewHTTPClient returns the client used for deliveries. Requests carry trace
// context to subscribers through otelhttp. Redirects are not followed.
func NewHTTPClient(timeout time.Duration) *http.Client {
	timeout = ClampRequestTimeout(timeout)

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(base,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "webhook POST " + r.URL.Host
			}),
		),
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
