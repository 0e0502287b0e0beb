package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/httpkit"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/pipeline"
)

// Payload is the delivered body.
type Payload struct {
	SubscriptionID string                  `json:"subscription_id"`
	EventID        string                  `json:"event_id"`
	FiredAt        time.Time               `json:"fired_at"`
	EntityID       string                  `json:"entity_id"`
	NewState       *pipeline.StateSnapshot `json:"new_state"`
	OldState       *pipeline.StateSnapshot `json:"old_state,omitempty"`
	CorrelationID  string                  `json:"correlation_id,omitempty"`
}

// consumer is one running subscription: its mailbox, parsed condition,
// and stop handle.
type consumer struct {
	sub    Subscription
	cond   Condition
	cancel context.CancelFunc
	done   chan struct{}
}

// Dispatcher runs one consumer per enabled subscription off the
// pipeline tee. A stalled receiver blocks only its own subscription.
type Dispatcher struct {
	cfg     config.WebhookConfig
	store   *Store
	tee     *pipeline.Tee
	http    *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	consumers  map[string]*consumer
	ctx        context.Context
	cancel     context.CancelFunc
	resumeDone chan struct{}

	// sleep is swappable so tests do not wait out the schedule.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewDispatcher creates a Dispatcher over the pipeline tee.
func NewDispatcher(cfg config.WebhookConfig, store *Store, tee *pipeline.Tee,
	m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		tee:   tee,
		http: httpkit.NewClient(
			httpkit.WithTimeout(cfg.RequestTimeout),
		),
		metrics:   m,
		logger:    logger,
		consumers: make(map[string]*consumer),
		sleep:     sleepCtx,
	}
}

// Start attaches a consumer for every enabled subscription and kicks
// off the replay of crash-left pending deliveries in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	// Pending rows can be numerous and their receivers slow; replaying
	// them must not hold up startup. Each replay honors d.ctx, so Stop
	// cuts the backlog short.
	d.resumeDone = make(chan struct{})
	go func() {
		defer close(d.resumeDone)
		if err := d.resumePending(); err != nil {
			d.logger.Error("pending deliveries not resumed", "error", err)
		}
	}()

	subs, err := d.store.ListSubscriptions()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		if err := d.attach(sub); err != nil {
			d.logger.Error("subscription not started",
				"subscription", sub.ID, "name", sub.Name, "error", err)
		}
	}
	return nil
}

// Stop detaches every consumer and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	consumers := make([]*consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.consumers = make(map[string]*consumer)
	d.mu.Unlock()

	for _, c := range consumers {
		d.tee.Detach(c.sub.ID)
		c.cancel()
	}
	for _, c := range consumers {
		<-c.done
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.resumeDone != nil {
		<-d.resumeDone
	}
}

// Reload picks up a created or updated subscription; disabled ones
// are detached.
func (d *Dispatcher) Reload(sub Subscription) error {
	d.Remove(sub.ID)
	if !sub.Enabled {
		return nil
	}
	return d.attach(sub)
}

// Remove detaches one subscription's consumer if running.
func (d *Dispatcher) Remove(id string) {
	d.mu.Lock()
	c, ok := d.consumers[id]
	if ok {
		delete(d.consumers, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.tee.Detach(id)
	c.cancel()
	<-c.done
}

func (d *Dispatcher) attach(sub Subscription) error {
	cond, err := ParseCondition(sub.Conditions)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	mb := d.tee.Attach(sub.ID, d.cfg.MailboxSize, func() {
		if d.metrics != nil {
			d.metrics.WebhookDropped.WithLabelValues(sub.ID).Inc()
		}
	})

	cctx, cancel := context.WithCancel(d.ctx)
	c := &consumer{sub: sub, cond: cond, cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.consumers[sub.ID] = c
	d.mu.Unlock()

	go d.consume(cctx, c, mb)
	return nil
}

// consume delivers matching events in mailbox order. Head-of-line
// blocking is confined to this subscription.
func (d *Dispatcher) consume(ctx context.Context, c *consumer, mb *pipeline.Mailbox) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mb.Events():
			if !ok {
				return
			}
			if !c.cond.Match(&ev) {
				continue
			}
			d.dispatch(ctx, c.sub, ev)
		}
	}
}

// dispatch persists a pending delivery, then drives it to a terminal
// status through the attempt schedule.
func (d *Dispatcher) dispatch(ctx context.Context, sub Subscription, ev pipeline.Event) {
	eventID, err := uuid.NewV7()
	if err != nil {
		d.logger.Error("event id generation failed", "error", err)
		return
	}

	payload, err := json.Marshal(Payload{
		SubscriptionID: sub.ID,
		EventID:        eventID.String(),
		FiredAt:        ev.TimeFired,
		EntityID:       ev.EntityID,
		NewState:       ev.NewState,
		OldState:       ev.OldState,
		CorrelationID:  ev.Context.ID,
	})
	if err != nil {
		d.logger.Error("payload marshal failed", "subscription", sub.ID, "error", err)
		return
	}

	del := &Delivery{
		SubscriptionID: sub.ID,
		Payload:        payload,
		PayloadHash:    PayloadHash(payload),
	}
	if err := d.store.InsertDelivery(del); err != nil {
		d.logger.Error("delivery row not persisted, skipping delivery",
			"subscription", sub.ID, "error", err)
		return
	}

	d.deliver(ctx, sub, del)
}

// deliver runs the attempt schedule for one persisted delivery row.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscription, del *Delivery) {
	schedule := d.cfg.AttemptSchedule
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	maxAttempts := len(schedule)

	for ; del.Attempt <= maxAttempts; del.Attempt++ {
		err := d.post(ctx, sub, del)
		if err == nil {
			del.Status = StatusDelivered
			del.NextAttemptAt = nil
			if uerr := d.store.UpdateDelivery(del); uerr != nil {
				d.logger.Error("delivered but row not updated", "delivery", del.ID, "error", uerr)
			}
			if d.metrics != nil {
				d.metrics.WebhookDelivered.WithLabelValues(sub.ID).Inc()
			}
			return
		}

		del.LastError = err.Error()
		if del.Attempt >= maxAttempts {
			break
		}

		wait := schedule[del.Attempt-1]
		next := time.Now().UTC().Add(wait)
		del.NextAttemptAt = &next
		upd := *del
		upd.Attempt = del.Attempt + 1
		if uerr := d.store.UpdateDelivery(&upd); uerr != nil {
			d.logger.Error("delivery row not updated", "delivery", del.ID, "error", uerr)
		}
		d.logger.Warn("webhook attempt failed",
			"subscription", sub.ID, "delivery", del.ID,
			"attempt", del.Attempt, "retry_in", wait, "error", err)

		if !d.sleep(ctx, wait) {
			// Shutdown mid-schedule: the row stays pending and is
			// resumed on next start.
			return
		}
	}

	del.Status = StatusGivingUp
	del.NextAttemptAt = nil
	if err := d.store.UpdateDelivery(del); err != nil {
		d.logger.Error("giving_up not persisted", "delivery", del.ID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.WebhookGivenUp.WithLabelValues(sub.ID).Inc()
	}
	d.logger.Error("webhook delivery abandoned",
		"subscription", sub.ID, "delivery", del.ID, "last_error", del.LastError)
}

// post performs one signed POST attempt.
func (d *Dispatcher) post(ctx context.Context, sub Subscription, del *Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(del.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(sub.Secret, del.Payload))
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Delivery-Id", del.ID)
	req.Header.Set("X-Attempt", strconv.Itoa(del.Attempt))

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// resumePending re-delivers rows left pending by a crash, in order.
func (d *Dispatcher) resumePending() error {
	pending, err := d.store.PendingDeliveries()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	subs := make(map[string]Subscription)
	for _, del := range pending {
		sub, ok := subs[del.SubscriptionID]
		if !ok {
			sub, err = d.store.GetSubscription(del.SubscriptionID)
			if err != nil {
				// Subscription gone: the delivery can never complete.
				del := del
				del.Status = StatusFailed
				del.LastError = "subscription no longer exists"
				_ = d.store.UpdateDelivery(&del)
				continue
			}
			subs[del.SubscriptionID] = sub
		}
		del := del
		d.deliver(d.ctx, sub, &del)
	}
	d.logger.Info("pending deliveries resumed", "count", len(pending))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
