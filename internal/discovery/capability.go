package discovery

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
)

// Expose is one entry of a zigbee2mqtt-style expose schema as carried
// in the bridge's device announcements.
type Expose struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Property string   `json:"property"`
	Unit     string   `json:"unit,omitempty"`
	ValueMin *float64 `json:"value_min,omitempty"`
	ValueMax *float64 `json:"value_max,omitempty"`
	Values   []string `json:"values,omitempty"`
	Features []Expose `json:"features,omitempty"`
	Access   int      `json:"access,omitempty"`
}

// ParseExposes maps a raw expose schema to capability rows with their
// native types. Composite entries keep their feature names in the
// properties blob.
func ParseExposes(raw json.RawMessage) ([]catalog.Capability, error) {
	var exposes []Expose
	if err := json.Unmarshal(raw, &exposes); err != nil {
		return nil, fmt.Errorf("decode exposes: %w", err)
	}

	var caps []catalog.Capability
	for _, ex := range exposes {
		name := ex.Property
		if name == "" {
			name = ex.Name
		}
		if name == "" && ex.Type != "" && len(ex.Features) == 0 {
			continue
		}

		switch ex.Type {
		case "numeric":
			props := map[string]any{}
			if ex.Unit != "" {
				props["unit"] = ex.Unit
			}
			if ex.ValueMin != nil {
				props["min"] = *ex.ValueMin
			}
			if ex.ValueMax != nil {
				props["max"] = *ex.ValueMax
			}
			caps = append(caps, catalog.Capability{
				Name: name, Type: catalog.CapNumeric, Properties: props, Exposed: true,
			})
		case "enum":
			caps = append(caps, catalog.Capability{
				Name: name, Type: catalog.CapEnum,
				Properties: map[string]any{"values": ex.Values}, Exposed: true,
			})
		case "binary":
			caps = append(caps, catalog.Capability{
				Name: name, Type: catalog.CapBinary,
				Properties: map[string]any{}, Exposed: true,
			})
		default:
			// light, switch, climate etc. are composite wrappers.
			if len(ex.Features) == 0 {
				continue
			}
			features := make([]string, 0, len(ex.Features))
			for _, f := range ex.Features {
				fn := f.Property
				if fn == "" {
					fn = f.Name
				}
				if fn != "" {
					features = append(features, fn)
				}
			}
			if name == "" {
				name = ex.Type
			}
			caps = append(caps, catalog.Capability{
				Name: name, Type: catalog.CapComposite,
				Properties: map[string]any{"features": features}, Exposed: true,
			})
		}
	}
	return caps, nil
}

// domainCapabilities is the inference table for devices without a
// schema: each entity domain contributes a conventional capability.
var domainCapabilities = map[string]catalog.Capability{
	"light": {Name: "brightness", Type: catalog.CapNumeric,
		Properties: map[string]any{"min": 0.0, "max": 255.0}},
	"climate": {Name: "temperature", Type: catalog.CapNumeric,
		Properties: map[string]any{"unit": "°C"}},
	"sensor": {Name: "value", Type: catalog.CapNumeric,
		Properties: map[string]any{}},
	"binary_sensor": {Name: "state", Type: catalog.CapBinary,
		Properties: map[string]any{}},
	"switch": {Name: "power", Type: catalog.CapBinary,
		Properties: map[string]any{}},
	"lock": {Name: "lock", Type: catalog.CapEnum,
		Properties: map[string]any{"values": []string{"locked", "unlocked"}}},
	"cover": {Name: "position", Type: catalog.CapNumeric,
		Properties: map[string]any{"min": 0.0, "max": 100.0}},
	"media_player": {Name: "playback", Type: catalog.CapComposite,
		Properties: map[string]any{"features": []string{"play", "pause", "volume"}}},
	"fan": {Name: "speed", Type: catalog.CapNumeric,
		Properties: map[string]any{"min": 0.0, "max": 100.0}},
}

// InferCapabilities derives capabilities from the domains of a
// device's entities. One capability per distinct domain; duplicate
// domains collapse.
func InferCapabilities(deviceID string, entities []homeassistant.EntityEntry) []catalog.Capability {
	seen := make(map[string]bool)
	var caps []catalog.Capability
	for _, e := range entities {
		domain := domainOf(e.EntityID)
		tmpl, ok := domainCapabilities[domain]
		if !ok || seen[domain] {
			continue
		}
		seen[domain] = true
		c := tmpl
		c.DeviceID = deviceID
		c.Exposed = !e.IsDisabled()
		c.Source = "inferred"
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}
