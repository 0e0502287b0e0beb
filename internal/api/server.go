// Package api implements the read-side HTTP API: component status,
// catalog browsing, webhook subscription management, and the
// Prometheus metrics endpoint. Nothing here writes event data; the
// ingestion path never depends on this server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hearthflow/hearthflow/internal/aggregate"
	"github.com/hearthflow/hearthflow/internal/buildinfo"
	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/connman"
	"github.com/hearthflow/hearthflow/internal/enrich"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/pipeline"
	"github.com/hearthflow/hearthflow/internal/status"
	"github.com/hearthflow/hearthflow/internal/webhook"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// InFlighter reports the writer's buffered byte count.
type InFlighter interface {
	InFlightBytes() int64
}

// Server is the read-side HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	statusReg  *status.Registry
	metrics    *metrics.Metrics
	catalog    *catalog.Store
	webhooks   *webhook.Store
	dispatcher *webhook.Dispatcher
	connman    *connman.Manager
	writer     InFlighter
	enrichment *enrich.Cache
	queue      *pipeline.Queue
	jobs       *aggregate.JobStore
}

// NewServer creates an API server. Subsystem accessors are wired via
// the Set* methods; endpoints whose backing store is absent answer 503.
func NewServer(address string, port int, reg *status.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		address:   address,
		port:      port,
		statusReg: reg,
		metrics:   m,
		logger:    logger,
	}
}

// SetCatalog configures the catalog store for device/entity endpoints.
func (s *Server) SetCatalog(c *catalog.Store) { s.catalog = c }

// SetWebhooks configures the webhook store and dispatcher for
// subscription management endpoints.
func (s *Server) SetWebhooks(st *webhook.Store, d *webhook.Dispatcher) {
	s.webhooks = st
	s.dispatcher = d
}

// SetConnman configures the connection manager for breaker snapshots.
func (s *Server) SetConnman(m *connman.Manager) { s.connman = m }

// SetWriter configures the writer for in-flight byte reporting.
func (s *Server) SetWriter(w InFlighter) { s.writer = w }

// SetEnrichment configures the enrichment cache for freshness reporting.
func (s *Server) SetEnrichment(c *enrich.Cache) { s.enrichment = c }

// SetQueue configures the pipeline queue for depth reporting.
func (s *Server) SetQueue(q *pipeline.Queue) { s.queue = q }

// SetJobs configures the aggregation job store for run history.
func (s *Server) SetJobs(j *aggregate.JobStore) { s.jobs = j }

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route table. Start wraps it in an http.Server;
// tests mount it on httptest.Server directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/jobs", s.handleJobList)

	// Catalog browsing
	mux.HandleFunc("GET /v1/devices", s.handleDeviceList)
	mux.HandleFunc("GET /v1/devices/{id}", s.handleDeviceGet)
	mux.HandleFunc("GET /v1/entities", s.handleEntityList)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleEntityGet)
	mux.HandleFunc("GET /v1/areas", s.handleAreaList)

	// Webhook subscription management
	mux.HandleFunc("GET /v1/webhooks", s.handleWebhookList)
	mux.HandleFunc("POST /v1/webhooks", s.handleWebhookCreate)
	mux.HandleFunc("GET /v1/webhooks/{id}", s.handleWebhookGet)
	mux.HandleFunc("PUT /v1/webhooks/{id}", s.handleWebhookUpdate)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", s.handleWebhookDelete)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleDeliveryGet)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.withLogging(mux)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not_found", "no such route")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "hearthflow",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth answers 200 while the process can serve, 503 once any
// component reports failed. Load balancers key off the status code;
// humans read /v1/status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall := status.Healthy
	if s.statusReg != nil {
		overall = s.statusReg.Overall()
	}
	w.Header().Set("Content-Type", "application/json")
	if overall == status.Failed {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]string{"status": string(overall)}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"overall": status.Healthy,
		"build":   buildinfo.Info(),
	}
	if s.statusReg != nil {
		out["overall"] = s.statusReg.Overall()
		out["components"] = s.statusReg.All()
	}
	if s.connman != nil {
		out["endpoints"] = s.connman.Snapshots()
	}
	if s.writer != nil {
		out["writer"] = map[string]any{"in_flight_bytes": s.writer.InFlightBytes()}
	}
	if s.queue != nil {
		out["pipeline"] = map[string]any{
			"depth":         s.queue.Depth(),
			"backpressured": s.queue.Backpressured(),
		}
	}
	if s.enrichment != nil {
		fresh := map[string]string{}
		for name, age := range s.enrichment.Freshness() {
			if age < 0 {
				fresh[name] = "never"
				continue
			}
			fresh[name] = age.Truncate(time.Second).String()
		}
		out["enrichment"] = fresh
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "aggregation not configured")
		return
	}
	limit := parseIntParam(r, "limit", 20)
	jobs, err := s.jobs.Recent(limit)
	if err != nil {
		s.logger.Error("job list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"jobs": jobs, "count": len(jobs)}, s.logger)
}

// Catalog handlers

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "catalog not configured")
		return
	}
	devices, err := s.catalog.ListDevices()
	if err != nil {
		s.logger.Error("device list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to list devices")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"devices": devices, "count": len(devices)}, s.logger)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "catalog not configured")
		return
	}
	id := r.PathValue("id")
	device, err := s.catalog.GetDevice(id)
	if errors.Is(err, catalog.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "device not found")
		return
	}
	if err != nil {
		s.logger.Error("device get failed", "error", err, "device_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load device")
		return
	}
	caps, err := s.catalog.ListCapabilities(id)
	if err != nil {
		s.logger.Error("capability list failed", "error", err, "device_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load capabilities")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"device": device, "capabilities": caps}, s.logger)
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "catalog not configured")
		return
	}
	entities, err := s.catalog.ListEntities()
	if err != nil {
		s.logger.Error("entity list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to list entities")
		return
	}
	// Optional domain filter, e.g. ?domain=light
	if domain := r.URL.Query().Get("domain"); domain != "" {
		filtered := entities[:0]
		for _, e := range entities {
			if e.Domain == domain {
				filtered = append(filtered, e)
			}
		}
		entities = filtered
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entities": entities, "count": len(entities)}, s.logger)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "catalog not configured")
		return
	}
	id := r.PathValue("id")
	entity, err := s.catalog.GetEntity(id)
	if errors.Is(err, catalog.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "entity not found")
		return
	}
	if err != nil {
		s.logger.Error("entity get failed", "error", err, "entity_id", id)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load entity")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, entity, s.logger)
}

func (s *Server) handleAreaList(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "catalog not configured")
		return
	}
	areas, err := s.catalog.ListAreas()
	if err != nil {
		s.logger.Error("area list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to list areas")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"areas": areas, "count": len(areas)}, s.logger)
}

// Webhook handlers

// webhookRequest is the mutable surface of a subscription. Secret is
// write-only: accepted here, never echoed back.
type webhookRequest struct {
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Secret     string          `json:"secret"`
	Conditions json.RawMessage `json:"conditions"`
	Enabled    *bool           `json:"enabled"`
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	subs, err := s.webhooks.ListSubscriptions()
	if err != nil {
		s.logger.Error("webhook list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to list subscriptions")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"subscriptions": subs, "count": len(subs)}, s.logger)
}

func (s *Server) handleWebhookCreate(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	if req.Secret == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "secret is required")
		return
	}
	if len(req.Conditions) > 0 {
		if _, err := webhook.ParseCondition(req.Conditions); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_condition", err.Error())
			return
		}
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sub := webhook.Subscription{
		Name:       req.Name,
		URL:        req.URL,
		Secret:     req.Secret,
		Conditions: req.Conditions,
		Enabled:    enabled,
	}
	if err := s.webhooks.CreateSubscription(&sub); err != nil {
		s.logger.Error("webhook create failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to create subscription")
		return
	}
	if s.dispatcher != nil && sub.Enabled {
		if err := s.dispatcher.Reload(sub); err != nil {
			s.logger.Warn("subscription created but not attached", "subscription", sub.ID, "error", err)
		}
	}
	s.logger.Info("webhook subscription created", "subscription", sub.ID, "url", sub.URL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleWebhookGet(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	sub, err := s.webhooks.GetSubscription(r.PathValue("id"))
	if errors.Is(err, webhook.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("webhook get failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load subscription")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleWebhookUpdate(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	sub, err := s.webhooks.GetSubscription(r.PathValue("id"))
	if errors.Is(err, webhook.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "subscription not found")
		return
	}
	if err != nil {
		s.logger.Error("webhook get failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load subscription")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Name != "" {
		sub.Name = req.Name
	}
	if req.URL != "" {
		sub.URL = req.URL
	}
	if req.Secret != "" {
		sub.Secret = req.Secret
	}
	if len(req.Conditions) > 0 {
		if _, err := webhook.ParseCondition(req.Conditions); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_condition", err.Error())
			return
		}
		sub.Conditions = req.Conditions
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := s.webhooks.UpdateSubscription(&sub); err != nil {
		s.logger.Error("webhook update failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to update subscription")
		return
	}
	if s.dispatcher != nil {
		if sub.Enabled {
			if err := s.dispatcher.Reload(sub); err != nil {
				s.logger.Warn("subscription updated but not attached", "subscription", sub.ID, "error", err)
			}
		} else {
			s.dispatcher.Remove(sub.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sub, s.logger)
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.webhooks.DeleteSubscription(id); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "not_found", "subscription not found")
			return
		}
		s.logger.Error("webhook delete failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to delete subscription")
		return
	}
	if s.dispatcher != nil {
		s.dispatcher.Remove(id)
	}
	s.logger.Info("webhook subscription deleted", "subscription", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliveryGet(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", "webhooks not configured")
		return
	}
	del, err := s.webhooks.GetDelivery(r.PathValue("id"))
	if errors.Is(err, webhook.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "not_found", "delivery not found")
		return
	}
	if err != nil {
		s.logger.Error("delivery get failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal", "failed to load delivery")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, del, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
