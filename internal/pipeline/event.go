// Package pipeline carries canonical events from the ingestor to the
// writer and webhook dispatcher. It owns the bounded in-process queue,
// the drop-tail and backpressure semantics, and the broadcast tee.
package pipeline

import (
	"strings"
	"time"
)

// Origin of an upstream event.
const (
	OriginLocal  = "LOCAL"
	OriginRemote = "REMOTE"
)

// Context carries Home Assistant's causality ids.
type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
}

// StateSnapshot is one side of a state transition. entity_id is not
// repeated here; it lives on the Event only.
type StateSnapshot struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Event is the canonical flattened record produced by the ingestor and
// consumed by the writer and the webhook dispatcher.
type Event struct {
	EventType  string    `json:"event_type"`
	EntityID   string    `json:"entity_id"`
	Domain     string    `json:"domain"`
	TimeFired  time.Time `json:"time_fired"`
	IngestTime time.Time `json:"ingest_time"`
	Origin     string    `json:"origin"`
	Context    Context   `json:"context"`

	NewState *StateSnapshot `json:"new_state"`
	OldState *StateSnapshot `json:"old_state,omitempty"`

	// DeviceID and AreaID are joined from the catalog when known at
	// flatten time; empty otherwise and back-filled during aggregation.
	DeviceID string `json:"device_id,omitempty"`
	AreaID   string `json:"area_id,omitempty"`

	// DurationInState is seconds between old and new last_changed,
	// nil when the old state is absent.
	DurationInState *int64 `json:"duration_in_state,omitempty"`

	// Enrichment holds external-source tags (weather snapshot etc.),
	// possibly empty.
	Enrichment map[string]string `json:"enrichment,omitempty"`
}

// FriendlyName extracts the friendly_name attribute of the new state,
// or "" when absent or ill-typed.
func (e *Event) FriendlyName() string {
	if e.NewState == nil {
		return ""
	}
	if fn, ok := e.NewState.Attributes["friendly_name"].(string); ok {
		return fn
	}
	return ""
}

// NumericAttribute extracts a numeric attribute of the new state.
// Absence or ill-typing is not-applicable, never an error.
func (e *Event) NumericAttribute(key string) (float64, bool) {
	if e.NewState == nil {
		return 0, false
	}
	switch v := e.NewState.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// DomainOf derives the domain from an entity id, "" when malformed.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}
