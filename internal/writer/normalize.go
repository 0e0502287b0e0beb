package writer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/pipeline"
	"github.com/hearthflow/hearthflow/internal/tsdb"
)

// MeasurementRaw is the raw event measurement name.
const MeasurementRaw = "home_assistant_events"

// maxTagValues is the per-tag cardinality bound. Values past it
// collapse to overflowTag so the index stays bounded.
const maxTagValues = 10000

const overflowTag = "OVERFLOW"

// cardinality tracks distinct values seen per tag key.
type cardinality struct {
	mu      sync.Mutex
	seen    map[string]map[string]struct{}
	metrics *metrics.Metrics
}

func newCardinality(m *metrics.Metrics) *cardinality {
	return &cardinality{seen: make(map[string]map[string]struct{}), metrics: m}
}

// bound admits a tag value or collapses it to OVERFLOW once the tag
// has seen maxTagValues distinct values.
func (c *cardinality) bound(tag, value string) string {
	if value == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	values, ok := c.seen[tag]
	if !ok {
		values = make(map[string]struct{})
		c.seen[tag] = values
	}
	if _, known := values[value]; known {
		return value
	}
	if len(values) >= maxTagValues {
		if c.metrics != nil {
			c.metrics.TagOverflow.WithLabelValues(tag).Inc()
		}
		return overflowTag
	}
	values[value] = struct{}{}
	return value
}

// toPoint normalizes one event and routes it to its measurement and
// tag/field split. Timestamps are coerced to UTC millisecond
// precision; the attribute map is carried opaquely as a JSON field,
// never lifted into tags.
func (w *Writer) toPoint(e pipeline.Event) (tsdb.Point, error) {
	entityID := strings.ToLower(e.EntityID)

	tags := map[string]string{
		"entity_id":  w.card.bound("entity_id", entityID),
		"device_id":  w.card.bound("device_id", e.DeviceID),
		"event_type": w.card.bound("event_type", e.EventType),
		"domain":     w.card.bound("domain", e.Domain),
		"area_id":    w.card.bound("area_id", e.AreaID),
	}
	for k, v := range e.Enrichment {
		tags[k] = w.card.bound(k, v)
	}

	fields := map[string]any{
		"state": stateOf(e),
	}
	if fn := e.FriendlyName(); fn != "" {
		fields["attr_friendly_name"] = fn
	}
	if e.NewState != nil {
		attrs, err := json.Marshal(e.NewState.Attributes)
		if err != nil {
			// Heterogeneous attribute maps can carry unmarshalable
			// values; stringify the failure rather than drop the point.
			attrs = []byte(`{}`)
		}
		fields["attributes"] = string(attrs)
	}
	if e.DurationInState != nil {
		fields["duration_in_state"] = *e.DurationInState
	}

	return tsdb.Point{
		Measurement: MeasurementRaw,
		Tags:        tags,
		Fields:      fields,
		Time:        e.TimeFired.UTC().Truncate(time.Millisecond),
	}, nil
}

func stateOf(e pipeline.Event) string {
	if e.NewState == nil {
		return ""
	}
	return e.NewState.State
}
