// Package httpkit builds the outbound HTTP clients used for
// time-series writes and webhook deliveries. Every client funnels
// through one transport shape so timeouts, pool limits, and the
// User-Agent header stay consistent across packages.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/hearthflow/hearthflow/internal/buildinfo"
)

// Transport defaults, sized for a handful of LAN peers (the
// time-series store and webhook receivers) rather than the open web.
const (
	// DefaultDialTimeout bounds TCP connection establishment.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the TCP keep-alive probe interval.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshake bounds the TLS handshake.
	DefaultTLSHandshake = 10 * time.Second

	// DefaultResponseHeader bounds the wait for response headers after
	// the request is fully written.
	DefaultResponseHeader = 15 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay pooled.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns caps pooled connections across all hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdlePerHost caps pooled connections per host.
	DefaultMaxIdlePerHost = 5
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	transport  *http.Transport
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithTransport substitutes the underlying transport. Mainly a test
// seam.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry retries requests that die at the connection level before
// any bytes reach the server (refused or unreachable, typical of a LAN
// service mid-restart). Requests whose body cannot be rewound through
// GetBody are never retried.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshake,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client that identifies itself and honors
// the configured timeout and retry policy.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{timeout: 30 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	rt := http.RoundTripper(&identifyTransport{base: t})
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// identifyTransport stamps the hearthflow User-Agent on requests that
// do not already carry one.
type identifyTransport struct {
	base http.RoundTripper
}

func (t *identifyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent())
	}
	return t.base.RoundTrip(req)
}

// retryTransport re-dials requests lost to transient connection
// errors, up to count extra attempts with a fixed delay between them.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !isRetryable(err) {
		return resp, err
	}

	// A consumed body that cannot be reproduced rules out a retry.
	// http.NoBody counts as empty (GET/HEAD/DELETE).
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after connection error",
				"method", req.Method, "url", req.URL.String(),
				"attempt", attempt, "error", err)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			next.Body = body
		}

		resp, err = t.base.RoundTrip(next)
		if err == nil || !isRetryable(err) {
			return resp, err
		}
	}

	return resp, err
}

// isRetryable reports whether err is a connection-establishment
// failure that cannot have produced server-side effects. ECONNRESET is
// deliberately absent: a reset can arrive after the server acted on
// the request.
func isRetryable(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// DrainAndClose reads at most limit bytes from rc and closes it so the
// underlying connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of an error response for
// diagnostics, draining the rest for connection reuse.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
