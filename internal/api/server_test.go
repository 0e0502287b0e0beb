package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/status"
	"github.com/hearthflow/hearthflow/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *status.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	cat, err := catalog.NewStore(db, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	wh, err := webhook.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	reg := status.NewRegistry()
	srv := NewServer("", 0, reg, m, logger)
	srv.SetCatalog(cat)
	srv.SetWebhooks(wh, nil)
	return srv, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: non-JSON body %q", method, path, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealthReflectsComponentFailure(t *testing.T) {
	srv, reg := newTestServer(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, "GET", "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("healthy: code=%d body=%v", rec.Code, body)
	}

	reg.Report("connection", status.Degraded, errors.New("primary down"))
	rec, body = doJSON(t, h, "GET", "/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "degraded" {
		t.Errorf("degraded: code=%d body=%v", rec.Code, body)
	}

	reg.Report("writer", status.Failed, errors.New("store unreachable"))
	rec, body = doJSON(t, h, "GET", "/health", nil)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "failed" {
		t.Errorf("failed: code=%d body=%v", rec.Code, body)
	}
}

func TestStatusIncludesComponents(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.Report("ingest", status.Healthy, nil)
	reg.Report("connection", status.Degraded, errors.New("fallback active"))

	_, body := doJSON(t, srv.Handler(), "GET", "/v1/status", nil)
	if body["overall"] != "degraded" {
		t.Errorf("overall = %v", body["overall"])
	}
	comps, ok := body["components"].([]any)
	if !ok || len(comps) != 2 {
		t.Errorf("components = %v", body["components"])
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	now := time.Now().UTC()

	area := "kitchen"
	if err := srv.catalog.UpsertArea(catalog.Area{AreaID: area, Name: "Kitchen"}, now); err != nil {
		t.Fatal(err)
	}
	if err := srv.catalog.UpsertDevice(catalog.Device{DeviceID: "dev-1", Name: "Hue Bridge", AreaID: &area}, now); err != nil {
		t.Fatal(err)
	}
	dev := "dev-1"
	if err := srv.catalog.UpsertEntity(catalog.Entity{EntityID: "light.kitchen", DeviceID: &dev, Domain: "light"}, now); err != nil {
		t.Fatal(err)
	}
	if err := srv.catalog.UpsertEntity(catalog.Entity{EntityID: "sensor.temp", Domain: "sensor"}, now); err != nil {
		t.Fatal(err)
	}

	rec, body := doJSON(t, h, "GET", "/v1/devices", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("devices: code=%d count=%v", rec.Code, body["count"])
	}

	rec, body = doJSON(t, h, "GET", "/v1/devices/dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("device get: code=%d", rec.Code)
	}
	if _, ok := body["capabilities"]; !ok {
		t.Error("device get: no capabilities key")
	}

	rec, _ = doJSON(t, h, "GET", "/v1/devices/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing device: code=%d", rec.Code)
	}

	rec, body = doJSON(t, h, "GET", "/v1/entities?domain=light", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("entity filter: code=%d count=%v", rec.Code, body["count"])
	}

	rec, body = doJSON(t, h, "GET", "/v1/areas", nil)
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("areas: code=%d count=%v", rec.Code, body["count"])
	}
}

func TestWebhookCRUD(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, "POST", "/v1/webhooks", map[string]any{
		"name":   "alerts",
		"url":    "https://example.test/hook",
		"secret": "s3cret",
		"conditions": map[string]any{
			"any": []map[string]any{{"all": []map[string]any{{"domain": "light"}}}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code=%d body=%v", rec.Code, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("create: no id in response")
	}
	if _, leaked := body["secret"]; leaked {
		t.Error("create response echoes the secret")
	}

	rec, body = doJSON(t, h, "GET", "/v1/webhooks/"+id, nil)
	if rec.Code != http.StatusOK || body["name"] != "alerts" {
		t.Errorf("get: code=%d body=%v", rec.Code, body)
	}

	rec, body = doJSON(t, h, "PUT", "/v1/webhooks/"+id, map[string]any{
		"enabled": false,
	})
	if rec.Code != http.StatusOK || body["enabled"] != false {
		t.Errorf("update: code=%d body=%v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, "DELETE", "/v1/webhooks/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: code=%d", rec.Code)
	}

	rec, _ = doJSON(t, h, "GET", "/v1/webhooks/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: code=%d", rec.Code)
	}
}

func TestWebhookValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{"secret": "x"}},
		{"missing secret", map[string]any{"url": "https://example.test"}},
		{"bad condition op", map[string]any{
			"url": "https://example.test", "secret": "x",
			"conditions": map[string]any{
				"any": []map[string]any{{"all": []map[string]any{
					{"attribute": "brightness", "op": "between", "value": 10},
				}}},
			},
		}},
	}
	for _, tt := range tests {
		rec, _ := doJSON(t, h, "POST", "/v1/webhooks", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code=%d, want 400", tt.name, rec.Code)
		}
	}
}

func TestUnconfiguredStoresAnswer503(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", 0, status.NewRegistry(), nil, logger)
	h := srv.Handler()

	for _, path := range []string{"/v1/devices", "/v1/webhooks", "/v1/jobs"} {
		rec, _ := doJSON(t, h, "GET", path, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: code=%d, want 503", path, rec.Code)
		}
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: code=%d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("pipeline_enqueued_total")) {
		t.Error("metrics output missing pipeline_enqueued_total")
	}
}
