package connman

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
)

func testManagerConfig(endpoints ...string) config.HomeAssistantConfig {
	cfg := config.HomeAssistantConfig{}
	for _, name := range endpoints {
		cfg.Endpoints = append(cfg.Endpoints, config.Endpoint{
			Name:  name,
			URL:   "ws://" + name + ".local:8123",
			Token: "token-" + name,
		})
	}
	return cfg
}

func newTestManager(dial DialFunc, endpoints ...string) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testManagerConfig(endpoints...),
		config.BreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Second, SuccessThreshold: 3},
		nil, logger, dial)
}

func TestAcquirePrefersFirstEndpoint(t *testing.T) {
	var dialed []string
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		dialed = append(dialed, url)
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary", "fallback")

	acq, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if acq.Endpoint != "primary" {
		t.Errorf("endpoint = %q, want primary", acq.Endpoint)
	}
	if len(dialed) != 1 {
		t.Errorf("dialed %v, want only the primary", dialed)
	}
}

func TestAcquireFallsBackOnFailure(t *testing.T) {
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		if url == "ws://primary.local:8123" {
			return nil, errors.New("connect refused")
		}
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary", "fallback")

	acq, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if acq.Endpoint != "fallback" {
		t.Errorf("endpoint = %q, want fallback", acq.Endpoint)
	}
	if snap := m.Snapshots()["primary"]; snap.ConsecutiveFailures != 1 {
		t.Errorf("primary failures = %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestAcquireNoBackend(t *testing.T) {
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		return nil, errors.New("connect refused")
	}
	m := newTestManager(dial, "primary", "fallback")

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestAcquireSkipsOpenBreaker(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		dials++
		return nil, errors.New("connect refused")
	}
	m := newTestManager(dial, "primary")

	// Five failed walks open the breaker.
	for i := 0; i < 5; i++ {
		if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrNoBackend) {
			t.Fatalf("walk %d: err = %v", i, err)
		}
	}
	if got := m.Snapshots()["primary"].State; got != "open" {
		t.Fatalf("breaker state = %q, want open", got)
	}

	// The open breaker short-circuits: no further dials.
	before := dials
	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v", err)
	}
	if dials != before {
		t.Errorf("open endpoint was dialed anyway (%d -> %d)", before, dials)
	}
}

func TestAcquireHalfOpenProbeAfterReset(t *testing.T) {
	fail := true
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		if fail {
			return nil, errors.New("connect refused")
		}
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary")

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.Acquire(context.Background())
	}

	// Before the reset timeout the endpoint stays dark.
	now = now.Add(30 * time.Second)
	if _, err := m.Acquire(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend before reset", err)
	}

	// After the timeout one probe goes through and succeeds.
	fail = false
	now = now.Add(31 * time.Second)
	acq, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("probe Acquire: %v", err)
	}
	if acq.Endpoint != "primary" {
		t.Errorf("endpoint = %q, want primary", acq.Endpoint)
	}
}

func TestAuthFailureLatchesEndpoint(t *testing.T) {
	dials := map[string]int{}
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		dials[url]++
		if url == "ws://primary.local:8123" {
			return nil, homeassistant.ErrAuthFailed
		}
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary", "fallback")

	acq, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if acq.Endpoint != "fallback" {
		t.Errorf("endpoint = %q, want fallback", acq.Endpoint)
	}
	snap := m.Snapshots()["primary"]
	if snap.State != "open" || snap.Cause != "auth_failed" {
		t.Errorf("primary snapshot = %+v, want latched open/auth_failed", snap)
	}

	// A single auth failure disables the endpoint outright.
	m.Acquire(context.Background())
	if dials["ws://primary.local:8123"] != 1 {
		t.Errorf("latched endpoint dialed %d times, want 1", dials["ws://primary.local:8123"])
	}
}

func TestReportFeedsBreaker(t *testing.T) {
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary")

	for i := 0; i < 5; i++ {
		m.Report("primary", false, "read timeout")
	}
	snap := m.Snapshots()["primary"]
	if snap.State != "open" || snap.Cause != "read timeout" {
		t.Errorf("snapshot = %+v, want open with cause", snap)
	}

	// Unknown endpoints are ignored.
	m.Report("nope", false, "whatever")
}

func TestKeepalivesCloseHalfOpenBreaker(t *testing.T) {
	fail := true
	var keepalive func()
	dial := func(ctx context.Context, url, token string, cfg homeassistant.SessionConfig) (*homeassistant.Session, error) {
		if fail {
			return nil, errors.New("connect refused")
		}
		keepalive = cfg.OnKeepalive
		return &homeassistant.Session{}, nil
	}
	m := newTestManager(dial, "primary")

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		m.Acquire(context.Background())
	}

	fail = false
	now = now.Add(61 * time.Second)
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("probe Acquire: %v", err)
	}
	if got := m.Snapshots()["primary"].State; got != "half-open" {
		t.Fatalf("state after probe connect = %q, want half-open", got)
	}
	if keepalive == nil {
		t.Fatal("dial received no keepalive hook")
	}

	// The connect counted once; two healthy pongs complete the streak.
	keepalive()
	keepalive()
	if got := m.Snapshots()["primary"].State; got != "closed" {
		t.Errorf("state after keepalives = %q, want closed", got)
	}
}
