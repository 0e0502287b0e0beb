package httpkit

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestClientSetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithTimeout(5 * time.Second))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "hearthflow/") {
		t.Errorf("User-Agent = %q, want hearthflow/ prefix", got)
	}
}

func TestClientKeepsExplicitUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "custom/1.0" {
		t.Errorf("User-Agent = %q, want custom/1.0", got)
	}
}

// flakyRT fails the first n round trips with err, then succeeds.
type flakyRT struct {
	failures int
	err      error
	calls    int
	bodies   []string
}

func (f *flakyRT) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: http.StatusNoContent,
		Body:       http.NoBody,
		Request:    req,
	}, nil
}

func refused() error {
	return &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
}

func TestRetryTransportRetriesRefusedConnection(t *testing.T) {
	rt := &flakyRT{failures: 2, err: refused()}
	tr := &retryTransport{base: rt, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("POST", "http://influx.local/api/v2/write",
		bytes.NewReader([]byte("m,tag=a field=1")))
	resp, err := tr.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if rt.calls != 3 {
		t.Errorf("round trips = %d, want 3", rt.calls)
	}
	// Every attempt must carry the full body, rewound via GetBody.
	for i, b := range rt.bodies {
		if b != "m,tag=a field=1" {
			t.Errorf("attempt %d body = %q", i+1, b)
		}
	}
}

func TestRetryTransportGivesUpAfterCount(t *testing.T) {
	rt := &flakyRT{failures: 10, err: refused()}
	tr := &retryTransport{base: rt, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://influx.local/health", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("exhausted retries returned no error")
	}
	if rt.calls != 3 {
		t.Errorf("round trips = %d, want 1 + 2 retries", rt.calls)
	}
}

func TestRetryTransportSkipsNonRewindableBody(t *testing.T) {
	rt := &flakyRT{failures: 10, err: refused()}
	tr := &retryTransport{base: rt, count: 3, delay: time.Millisecond}

	// A raw request with a plain ReadCloser body has no GetBody.
	req := &http.Request{
		Method: "POST",
		URL:    mustParseURL(t, "http://influx.local/api/v2/write"),
		Header: http.Header{},
		Body:   io.NopCloser(strings.NewReader("data")),
	}
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("want error")
	}
	if rt.calls != 1 {
		t.Errorf("round trips = %d, want 1 (no retry without GetBody)", rt.calls)
	}
}

func TestRetryTransportIgnoresReset(t *testing.T) {
	rt := &flakyRT{failures: 10, err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}}
	tr := &retryTransport{base: rt, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://influx.local/health", nil)
	if _, err := tr.RoundTrip(req); err == nil {
		t.Fatal("want error")
	}
	if rt.calls != 1 {
		t.Errorf("round trips = %d: a reset after the server may have acted must not retry", rt.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", refused(), true},
		{"host unreachable", &net.OpError{Err: syscall.EHOSTUNREACH}, true},
		{"net unreachable", syscall.ENETUNREACH, true},
		{"reset", syscall.ECONNRESET, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("%s: isRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader(`{"message":"bucket not found"}`))
	if got := ReadErrorBody(body, 4096); !strings.Contains(got, "bucket not found") {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 4096); got != "" {
		t.Errorf("nil body = %q", got)
	}
	DrainAndClose(nil, 0) // must not panic
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}
