// Package homeassistant implements the Home Assistant WebSocket
// protocol: authentication, request/response command frames, event
// subscriptions, and the registry list commands.
package homeassistant

import (
	"encoding/json"
	"time"
)

// frame is the generic WebSocket message format.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object HA attaches to failed results.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event received via WebSocket.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   EventContext    `json:"context"`
}

// EventContext carries HA's causality ids for an event.
type EventContext struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// SubscribedEvent pairs an event with the subscription that produced
// it, so consumers sharing one session can route by subscription id.
type SubscribedEvent struct {
	SubscriptionID int64
	Event          Event
}

// State represents an entity state snapshot.
type State struct {
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// StateChangedData is the data payload for state_changed events.
// entity_id lives here at the top level only; HA does not repeat it
// inside the state objects.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// DeviceEntry is one row of the device registry.
type DeviceEntry struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameByUser   *string `json:"name_by_user"`
	Manufacturer string  `json:"manufacturer"`
	Model        string  `json:"model"`
	SWVersion    string  `json:"sw_version"`
	AreaID       *string `json:"area_id"`
	EntryType    *string `json:"entry_type"`
	DisabledBy   *string `json:"disabled_by"`
	// Identifiers groups [integration, identifier] pairs; the first
	// element names the integration that owns the device.
	Identifiers [][]string `json:"identifiers"`
}

// Integration returns the integration name from the identifier pairs,
// or "" when the registry row carries none.
func (d DeviceEntry) Integration() string {
	for _, pair := range d.Identifiers {
		if len(pair) > 0 && pair[0] != "" {
			return pair[0]
		}
	}
	return ""
}

// EntityEntry is one row of the entity registry.
type EntityEntry struct {
	EntityID   string  `json:"entity_id"`
	DeviceID   *string `json:"device_id"`
	Platform   string  `json:"platform"`
	UniqueID   string  `json:"unique_id"`
	AreaID     *string `json:"area_id"`
	DisabledBy *string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityEntry) IsDisabled() bool {
	return e.DisabledBy != nil && *e.DisabledBy != ""
}

// AreaEntry is one row of the area registry.
type AreaEntry struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// RegistryUpdateData is the payload of the *_registry_updated events.
// Exactly one of the id fields is set depending on the event type.
type RegistryUpdateData struct {
	Action   string `json:"action"` // create, update, remove
	DeviceID string `json:"device_id,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	AreaID   string `json:"area_id,omitempty"`
}

// Registry event types the discoverer subscribes to.
const (
	EventStateChanged          = "state_changed"
	EventDeviceRegistryUpdated = "device_registry_updated"
	EventEntityRegistryUpdated = "entity_registry_updated"
	EventAreaRegistryUpdated   = "area_registry_updated"
)
