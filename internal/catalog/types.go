// Package catalog is the relational store of devices, entities, areas,
// and capabilities reconciled from the Home Assistant registries. The
// discoverer is the only writer; every other component reads.
package catalog

import "time"

// Device is one catalog device row, keyed by DeviceID.
type Device struct {
	DeviceID     string     `json:"device_id"`
	Name         string     `json:"name"`
	NameByUser   *string    `json:"name_by_user,omitempty"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	SWVersion    string     `json:"sw_version,omitempty"`
	AreaID       *string    `json:"area_id,omitempty"`
	Integration  string     `json:"integration"`
	EntryType    *string    `json:"entry_type,omitempty"`
	HealthScore  *int       `json:"health_score,omitempty"` // 0-100
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Disabled     bool       `json:"disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Entity is one catalog entity row, keyed by EntityID.
type Entity struct {
	EntityID  string    `json:"entity_id"`
	DeviceID  *string   `json:"device_id,omitempty"`
	Domain    string    `json:"domain"`
	Platform  string    `json:"platform"`
	UniqueID  string    `json:"unique_id"`
	AreaID    *string   `json:"area_id,omitempty"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Area is one catalog area row, keyed by AreaID.
type Area struct {
	AreaID    string    `json:"area_id"`
	Name      string    `json:"name"`
	Aliases   []string  `json:"aliases"`
	Disabled  bool      `json:"disabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CapabilityType classifies what a capability exposes.
type CapabilityType string

const (
	CapNumeric   CapabilityType = "numeric"
	CapEnum      CapabilityType = "enum"
	CapBinary    CapabilityType = "binary"
	CapComposite CapabilityType = "composite"
)

// Capability is a typed feature of a device, keyed by (DeviceID, Name).
type Capability struct {
	DeviceID   string         `json:"device_id"`
	Name       string         `json:"name"`
	Type       CapabilityType `json:"type"`
	Properties map[string]any `json:"properties"`
	Exposed    bool           `json:"exposed"`
	Source     string         `json:"source"` // "schema" or "inferred"
}
