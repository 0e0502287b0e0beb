package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAuthFailed marks an authentication rejection. It is permanent for
// the endpoint: retrying without a config change cannot succeed.
var ErrAuthFailed = errors.New("home assistant authentication failed")

// ErrSessionClosed is returned by commands issued after the session
// has died. The caller must discard the session and acquire a new one.
var ErrSessionClosed = errors.New("session closed")

// SessionConfig carries the per-connection tunables.
type SessionConfig struct {
	// ConnectTimeout bounds the dial plus auth handshake (default 10s).
	ConnectTimeout time.Duration
	// ReadIdleTimeout is the read deadline; a connection with no
	// inbound frame (including pong) for this long is fatal (default 60s).
	ReadIdleTimeout time.Duration
	// WriteTimeout bounds each outgoing frame (default 10s).
	WriteTimeout time.Duration
	// PingInterval is how often the liveness ping is sent (default 30s).
	PingInterval time.Duration
	// EventBuffer is the capacity of the inbound event channel
	// (default 256). The read loop never blocks on it.
	EventBuffer int

	// OnKeepalive is invoked from the read loop on every pong frame.
	// Optional; lets the session owner count healthy keepalives.
	OnKeepalive func()

	Logger *slog.Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one authenticated WebSocket connection. A session is
// single-use: any I/O error is fatal, Done() closes, and the owner
// must acquire a replacement. Outgoing frames are serialized by an
// internal mutex so the discoverer and ingestor can share the session.
type Session struct {
	conn    *websocket.Conn
	cfg     SessionConfig
	logger  *slog.Logger
	writeMu sync.Mutex
	msgID   atomic.Int64

	pending   map[int64]chan response
	pendingMu sync.Mutex

	events chan SubscribedEvent

	done     chan struct{}
	closeErr error
	closeMu  sync.Mutex
}

// response wraps a result frame for the pending-request channel.
type response struct {
	Success bool
	Result  json.RawMessage
	Error   *FrameError
}

// Connect dials the endpoint, performs the auth handshake, and starts
// the read and ping loops. baseURL is the HTTP(S) base of the HA
// instance; the WebSocket path is fixed at /api/websocket.
func Connect(ctx context.Context, baseURL, token string, cfg SessionConfig) (*Session, error) {
	cfg.applyDefaults()

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	// Large buffers: registry list responses can run to megabytes on
	// installs with thousands of entities.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	if err := authenticate(conn, token, cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	s := &Session{
		conn:    conn,
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(map[int64]chan response),
		events:  make(chan SubscribedEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	go s.readLoop()
	go s.pingLoop()

	s.logger.Info("websocket session established", "url", u.String())
	return s, nil
}

// authenticate performs the auth_required / auth / auth_ok exchange.
func authenticate(conn *websocket.Conn, token string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var authReq frame
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	authMsg := map[string]string{
		"type":         "auth",
		"access_token": token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp frame
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthFailed
	default:
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}
}

// Events returns the channel of subscribed events. The channel is
// closed when the session dies.
func (s *Session) Events() <-chan SubscribedEvent {
	return s.events
}

// Done is closed when the session is no longer usable.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that killed the session, or nil while alive.
func (s *Session) Err() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeErr
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	return nil
}

// fail records the fatal error, closes the connection, and wakes every
// waiter exactly once.
func (s *Session) fail(err error) {
	s.closeMu.Lock()
	if s.closeErr != nil {
		s.closeMu.Unlock()
		return
	}
	s.closeErr = err
	s.closeMu.Unlock()

	s.conn.Close()
	close(s.done)

	// Unblock any command waiting for a result. The events channel is
	// NOT closed here: readLoop is its sole sender and closes it on
	// exit, so a send can never race the close. Closing the connection
	// above is what forces readLoop out.
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
}

// Call sends a command frame with a fresh id and waits for its result.
// extra fields are merged into the frame beside id and type.
func (s *Session) Call(ctx context.Context, msgType string, extra map[string]any) (json.RawMessage, error) {
	id := s.msgID.Add(1)

	msg := map[string]any{
		"id":   id,
		"type": msgType,
	}
	for k, v := range extra {
		msg[k] = v
	}

	respCh := make(chan response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeJSON(msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, s.waitErr()
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s: %s", msgType, resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s: request failed", msgType)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.waitErr()
	}
}

func (s *Session) waitErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// writeJSON serializes one outgoing frame under the write mutex with
// the configured write deadline.
func (s *Session) writeJSON(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(msg)
}

// SubscribeEvents subscribes to one event type and returns the
// subscription id carried by matching event frames.
func (s *Session) SubscribeEvents(ctx context.Context, eventType string) (int64, error) {
	id := s.msgID.Add(1)

	msg := map[string]any{
		"id":         id,
		"type":       "subscribe_events",
		"event_type": eventType,
	}

	respCh := make(chan response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeJSON(msg); err != nil {
		return 0, fmt.Errorf("subscribe to %s: %w", eventType, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return 0, s.waitErr()
		}
		if !resp.Success {
			if resp.Error != nil {
				return 0, fmt.Errorf("subscribe to %s: %s: %s", eventType, resp.Error.Code, resp.Error.Message)
			}
			return 0, fmt.Errorf("subscribe to %s failed", eventType)
		}
		s.logger.Info("subscribed to events", "event_type", eventType, "subscription_id", id)
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, s.waitErr()
	}
}

// ListDeviceRegistry retrieves the device registry.
func (s *Session) ListDeviceRegistry(ctx context.Context) ([]DeviceEntry, error) {
	raw, err := s.Call(ctx, "config/device_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list device registry: %w", err)
	}
	var devices []DeviceEntry
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}
	return devices, nil
}

// ListEntityRegistry retrieves the entity registry.
func (s *Session) ListEntityRegistry(ctx context.Context) ([]EntityEntry, error) {
	raw, err := s.Call(ctx, "config/entity_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list entity registry: %w", err)
	}
	var entities []EntityEntry
	if err := json.Unmarshal(raw, &entities); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	return entities, nil
}

// ListAreaRegistry retrieves the area registry.
func (s *Session) ListAreaRegistry(ctx context.Context) ([]AreaEntry, error) {
	raw, err := s.Call(ctx, "config/area_registry/list", nil)
	if err != nil {
		return nil, fmt.Errorf("list area registry: %w", err)
	}
	var areas []AreaEntry
	if err := json.Unmarshal(raw, &areas); err != nil {
		return nil, fmt.Errorf("unmarshal areas: %w", err)
	}
	return areas, nil
}

// readLoop decodes inbound frames and routes them by id. It does no
// CPU work beyond decoding; event payload parsing happens downstream.
func (s *Session) readLoop() {
	// Sole sender on s.events; closing on exit keeps the close ordered
	// after every send.
	defer close(s.events)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))

		var msg frame
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed by peer")
			} else {
				s.logger.Error("websocket read error", "error", err)
			}
			s.fail(fmt.Errorf("read frame: %w", err))
			return
		}

		switch msg.Type {
		case "result":
			s.pendingMu.Lock()
			if ch, ok := s.pending[msg.ID]; ok {
				ch <- response{
					Success: msg.Success,
					Result:  msg.Result,
					Error:   msg.Error,
				}
			}
			s.pendingMu.Unlock()

		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case s.events <- SubscribedEvent{SubscriptionID: msg.ID, Event: *msg.Event}:
			default:
				// The dispatcher downstream has stalled. Dropping here
				// keeps the read loop live; downstream queues carry the
				// real accounting.
				s.logger.Warn("session event buffer full, dropping event",
					"event_type", msg.Event.Type)
			}

		case "pong":
			// Liveness acknowledged; the read deadline reset above is
			// the actual bookkeeping.
			if s.cfg.OnKeepalive != nil {
				s.cfg.OnKeepalive()
			}

		default:
			s.logger.Debug("unhandled websocket message type", "type", msg.Type)
		}
	}
}

// pingLoop sends a protocol-level ping on the configured interval. A
// missing pong surfaces as a read-deadline error in readLoop, which
// kills the session.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			id := s.msgID.Add(1)
			msg := map[string]any{"id": id, "type": "ping"}
			if err := s.writeJSON(msg); err != nil {
				s.logger.Error("ping write failed", "error", err)
				s.fail(fmt.Errorf("write ping: %w", err))
				return
			}
		}
	}
}
