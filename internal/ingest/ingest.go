// Package ingest turns raw state_changed frames into canonical
// pipeline events: validate, flatten, join against the catalog
// replica, enqueue. The handle path never blocks.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/pipeline"
)

// entityIDPattern is the accepted shape of an entity id. Anything else
// is counted and dropped before flattening.
var entityIDPattern = regexp.MustCompile(`^[a-z_]+\.[a-z0-9_]+$`)

// Subscriber is the slice of the session the ingestor needs.
type Subscriber interface {
	SubscribeEvents(ctx context.Context, eventType string) (int64, error)
}

// Ingestor consumes state_changed events from a live session.
type Ingestor struct {
	replica *catalog.Replica
	queue   *pipeline.Queue
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Ingestor joining against replica and feeding queue.
func New(replica *catalog.Replica, queue *pipeline.Queue, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		replica: replica,
		queue:   queue,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Subscribe issues the state_changed subscription and returns its id.
// Called after the discoverer's initial sweep so joins start warm.
func (i *Ingestor) Subscribe(ctx context.Context, ha Subscriber) (int64, error) {
	id, err := ha.SubscribeEvents(ctx, homeassistant.EventStateChanged)
	if err != nil {
		return 0, fmt.Errorf("subscribe state_changed: %w", err)
	}
	return id, nil
}

// Handle processes one inbound state_changed event. Invalid frames are
// counted and dropped with a warning; valid ones are flattened and
// enqueued. The returned result reports the queue's decision.
func (i *Ingestor) Handle(ev homeassistant.Event) (pipeline.EnqueueResult, bool) {
	flat, ok := i.flatten(ev)
	if !ok {
		return 0, false
	}
	return i.queue.Enqueue(flat), true
}

// flatten validates and converts one frame into the canonical Event.
func (i *Ingestor) flatten(ev homeassistant.Event) (pipeline.Event, bool) {
	var data homeassistant.StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		i.invalid("undecodable state_changed payload", "error", err)
		return pipeline.Event{}, false
	}
	if !entityIDPattern.MatchString(data.EntityID) {
		i.invalid("malformed entity_id", "entity_id", data.EntityID)
		return pipeline.Event{}, false
	}
	if data.NewState == nil {
		i.invalid("state_changed without new_state", "entity_id", data.EntityID)
		return pipeline.Event{}, false
	}

	flat := pipeline.Event{
		EventType:  ev.Type,
		EntityID:   data.EntityID,
		Domain:     pipeline.DomainOf(data.EntityID),
		TimeFired:  ev.TimeFired.UTC(),
		IngestTime: i.now().UTC(),
		Origin:     normalizeOrigin(ev.Origin),
		Context: pipeline.Context{
			ID:       ev.Context.ID,
			ParentID: ev.Context.ParentID,
			UserID:   ev.Context.UserID,
		},
		NewState: snapshot(data.NewState),
		OldState: snapshot(data.OldState),
	}

	if data.OldState != nil {
		secs := int64(data.NewState.LastChanged.Sub(data.OldState.LastChanged).Seconds())
		if secs >= 0 {
			flat.DurationInState = &secs
		}
	}

	// Non-blocking join; a miss leaves the fields empty for the
	// aggregator to back-fill.
	if ref, ok := i.replica.Lookup(data.EntityID); ok {
		flat.DeviceID = ref.DeviceID
		flat.AreaID = ref.AreaID
	}

	return flat, true
}

func (i *Ingestor) invalid(msg string, args ...any) {
	if i.metrics != nil {
		i.metrics.InvalidFrames.Inc()
	}
	i.logger.Warn(msg, args...)
}

func snapshot(s *homeassistant.State) *pipeline.StateSnapshot {
	if s == nil {
		return nil
	}
	return &pipeline.StateSnapshot{
		State:       s.State,
		Attributes:  s.Attributes,
		LastChanged: s.LastChanged.UTC(),
		LastUpdated: s.LastUpdated.UTC(),
	}
}

func normalizeOrigin(origin string) string {
	switch origin {
	case "LOCAL", "local":
		return pipeline.OriginLocal
	case "REMOTE", "remote":
		return pipeline.OriginRemote
	default:
		return pipeline.OriginLocal
	}
}
