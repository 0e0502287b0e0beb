// Package connman maintains at most one live Home Assistant session at
// a time, chosen from a prioritized endpoint list with a circuit
// breaker per endpoint. It owns only the connection; no event data is
// buffered here.
package connman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
	"github.com/hearthflow/hearthflow/internal/metrics"
)

// ErrNoBackend is returned when every endpoint's breaker refuses an
// attempt or every attempt fails. Callers treat it as transient and
// retry after a jittered delay.
var ErrNoBackend = errors.New("no home assistant backend available")

// DialFunc opens a session against one endpoint. Swappable in tests.
type DialFunc func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error)

// Acquired pairs a live session with the endpoint that produced it so
// later outcomes can be reported against the right breaker.
type Acquired struct {
	*homeassistant.Session
	Endpoint string
}

// Manager walks the endpoint list in priority order and tracks a
// breaker per endpoint.
type Manager struct {
	endpoints []*endpoint
	dial      DialFunc
	sessCfg   homeassistant.SessionConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type endpoint struct {
	cfg     config.Endpoint
	breaker *Breaker
}

// New creates a Manager for the configured endpoints. dial may be nil,
// in which case the real WebSocket dialer is used.
func New(haCfg config.HomeAssistantConfig, brCfg config.BreakerConfig, m *metrics.Metrics, logger *slog.Logger, dial DialFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	sessCfg := homeassistant.SessionConfig{
		ConnectTimeout:  haCfg.ConnectTimeout,
		ReadIdleTimeout: haCfg.ReadIdleTimeout,
		WriteTimeout:    haCfg.WriteTimeout,
		PingInterval:    haCfg.PingInterval,
		Logger:          logger,
	}

	mgr := &Manager{
		dial:    dial,
		sessCfg: sessCfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
	if mgr.dial == nil {
		mgr.dial = func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
			return homeassistant.Connect(ctx, url, token, cfg)
		}
	}

	for _, ep := range haCfg.Endpoints {
		mgr.endpoints = append(mgr.endpoints, &endpoint{
			cfg:     ep,
			breaker: NewBreaker(brCfg.FailureThreshold, brCfg.SuccessThreshold, brCfg.ResetTimeout),
		})
	}

	return mgr
}

// Acquire walks endpoints in priority order and returns the first live
// session. Endpoints whose breaker is Open with an unelapsed reset
// timeout are skipped; an elapsed one admits a single half-open probe.
// Returns ErrNoBackend when nothing connects.
func (m *Manager) Acquire(ctx context.Context) (*Acquired, error) {
	for _, ep := range m.endpoints {
		if !ep.breaker.Allow(m.now()) {
			continue
		}

		// Pongs feed the breaker's success side so a half-open endpoint
		// closes again after sustained keepalives, not just the single
		// connect.
		cfg := m.sessCfg
		name := ep.cfg.Name
		cfg.OnKeepalive = func() { m.Report(name, true, "") }

		sess, err := m.dial(ctx, ep.cfg.URL, ep.cfg.Token, cfg)
		if err != nil {
			if errors.Is(err, homeassistant.ErrAuthFailed) {
				// Permanent for this endpoint: a bad token cannot
				// recover without a config change.
				ep.breaker.Latch(m.now(), "auth_failed")
				m.logger.Error("endpoint authentication failed, disabling",
					"endpoint", ep.cfg.Name)
			} else {
				ep.breaker.RecordFailure(m.now(), err.Error())
				m.logger.Warn("endpoint connect failed",
					"endpoint", ep.cfg.Name, "error", err)
			}
			m.observe(ep, true)
			continue
		}

		ep.breaker.RecordSuccess()
		m.observe(ep, false)
		m.logger.Info("session acquired", "endpoint", ep.cfg.Name)
		return &Acquired{Session: sess, Endpoint: ep.cfg.Name}, nil
	}

	return nil, ErrNoBackend
}

// Report feeds a keepalive or session outcome into an endpoint's
// breaker. ok=true counts toward closing a HalfOpen breaker; ok=false
// counts toward opening it.
func (m *Manager) Report(endpointName string, ok bool, cause string) {
	for _, ep := range m.endpoints {
		if ep.cfg.Name != endpointName {
			continue
		}
		if ok {
			ep.breaker.RecordSuccess()
		} else {
			ep.breaker.RecordFailure(m.now(), cause)
		}
		m.observe(ep, !ok)
		return
	}
}

// observe updates the breaker gauges after a state-affecting event.
func (m *Manager) observe(ep *endpoint, failed bool) {
	if m.metrics == nil {
		return
	}
	if failed {
		m.metrics.ConnectFailure.WithLabelValues(ep.cfg.Name).Inc()
	}
	var v float64
	switch ep.breaker.State() {
	case StateClosed:
		v = 0
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	m.metrics.BreakerState.WithLabelValues(ep.cfg.Name).Set(v)
}

// Snapshots returns the breaker view per endpoint for the status API.
func (m *Manager) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.endpoints))
	for _, ep := range m.endpoints {
		out[ep.cfg.Name] = ep.breaker.Snapshot()
	}
	return out
}

// RetryDelay computes the supervisor's wait after a failed Acquire:
// exponential base 2 from 100ms, capped at 30s, with full jitter.
func RetryDelay(attempt int) time.Duration {
	const (
		base = 100 * time.Millisecond
		cap  = 30 * time.Second
	)
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false when
// cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// String implements fmt.Stringer for logging the endpoint order.
func (m *Manager) String() string {
	names := make([]string, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		names = append(names, ep.cfg.Name)
	}
	return fmt.Sprintf("connman(%v)", names)
}
