// Package discovery reconciles the Home Assistant registries into the
// catalog. It runs a full sweep on every new session and applies
// incremental registry_updated events between sweeps. It is the only
// writer of catalog rows.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
)

// Lister is the slice of the session the discoverer needs.
type Lister interface {
	ListDeviceRegistry(ctx context.Context) ([]homeassistant.DeviceEntry, error)
	ListEntityRegistry(ctx context.Context) ([]homeassistant.EntityEntry, error)
	ListAreaRegistry(ctx context.Context) ([]homeassistant.AreaEntry, error)
	SubscribeEvents(ctx context.Context, eventType string) (int64, error)
}

// Discoverer owns catalog writes and the in-memory read replica.
type Discoverer struct {
	store   *catalog.Store
	replica *catalog.Replica
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	identToID    map[string]string // registry identifier value -> device id
	schemaBacked map[string]bool   // device id -> capabilities came from an expose schema
}

// New creates a Discoverer writing through store and replica.
func New(store *catalog.Store, replica *catalog.Replica, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		store:        store,
		replica:      replica,
		logger:       logger,
		now:          time.Now,
		identToID:    make(map[string]string),
		schemaBacked: make(map[string]bool),
	}
}

// Sweep runs the full reconciliation protocol: list the three
// registries sequentially, upsert everything, tombstone what vanished,
// refresh inferred capabilities, and swap the read replica.
func (d *Discoverer) Sweep(ctx context.Context, ha Lister) error {
	started := d.now()

	devices, err := ha.ListDeviceRegistry(ctx)
	if err != nil {
		return fmt.Errorf("list device registry: %w", err)
	}
	entities, err := ha.ListEntityRegistry(ctx)
	if err != nil {
		return fmt.Errorf("list entity registry: %w", err)
	}
	areas, err := ha.ListAreaRegistry(ctx)
	if err != nil {
		return fmt.Errorf("list area registry: %w", err)
	}

	now := d.now()
	keepDevices := make(map[string]bool, len(devices))
	idents := make(map[string]string)
	for _, de := range devices {
		if err := d.store.UpsertDevice(deviceFromEntry(de), now); err != nil {
			return err
		}
		keepDevices[de.ID] = true
		for _, pair := range de.Identifiers {
			if len(pair) >= 2 && pair[1] != "" {
				idents[pair[1]] = de.ID
			}
		}
	}

	keepEntities := make(map[string]bool, len(entities))
	byDevice := make(map[string][]homeassistant.EntityEntry)
	for _, ee := range entities {
		if err := d.store.UpsertEntity(entityFromEntry(ee), now); err != nil {
			return err
		}
		keepEntities[ee.EntityID] = true
		if ee.DeviceID != nil {
			byDevice[*ee.DeviceID] = append(byDevice[*ee.DeviceID], ee)
		}
	}

	keepAreas := make(map[string]bool, len(areas))
	for _, ae := range areas {
		a := catalog.Area{AreaID: ae.AreaID, Name: ae.Name, Aliases: ae.Aliases}
		if err := d.store.UpsertArea(a, now); err != nil {
			return err
		}
		keepAreas[ae.AreaID] = true
	}

	nd, err := d.store.SoftDeleteDevicesExcept(keepDevices, now)
	if err != nil {
		return err
	}
	ne, err := d.store.SoftDeleteEntitiesExcept(keepEntities, now)
	if err != nil {
		return err
	}
	na, err := d.store.SoftDeleteAreasExcept(keepAreas, now)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.identToID = idents
	schemaBacked := make(map[string]bool, len(d.schemaBacked))
	for id, ok := range d.schemaBacked {
		schemaBacked[id] = ok
	}
	d.mu.Unlock()

	// Inferred capabilities only for devices no expose schema covers;
	// schema rows are authoritative and survive the sweep untouched.
	for deviceID, ents := range byDevice {
		if schemaBacked[deviceID] {
			continue
		}
		caps := InferCapabilities(deviceID, ents)
		if len(caps) == 0 {
			continue
		}
		if err := d.store.ReplaceCapabilities(deviceID, caps); err != nil {
			return err
		}
	}

	if err := d.refreshReplica(); err != nil {
		return err
	}

	d.logger.Info("registry sweep complete",
		"devices", len(devices), "entities", len(entities), "areas", len(areas),
		"tombstoned", nd+ne+na, "elapsed", d.now().Sub(started))
	return nil
}

// SubscribeRegistryUpdates subscribes the session to the three
// registry_updated event types and returns the subscription ids.
func (d *Discoverer) SubscribeRegistryUpdates(ctx context.Context, ha Lister) ([]int64, error) {
	types := []string{
		homeassistant.EventDeviceRegistryUpdated,
		homeassistant.EventEntityRegistryUpdated,
		homeassistant.EventAreaRegistryUpdated,
	}
	ids := make([]int64, 0, len(types))
	for _, et := range types {
		id, err := ha.SubscribeEvents(ctx, et)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", et, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// HandleUpdate applies one registry_updated event. Removes tombstone
// the row directly; creates and updates re-list the affected registry
// because the event carries only the key, not the row.
func (d *Discoverer) HandleUpdate(ctx context.Context, ha Lister, ev homeassistant.Event) error {
	var upd homeassistant.RegistryUpdateData
	if err := json.Unmarshal(ev.Data, &upd); err != nil {
		return fmt.Errorf("decode registry update: %w", err)
	}
	now := d.now()

	switch ev.Type {
	case homeassistant.EventDeviceRegistryUpdated:
		if upd.Action == "remove" {
			if err := d.store.SoftDeleteDevice(upd.DeviceID, now); err != nil {
				return err
			}
			return d.refreshReplica()
		}
		devices, err := ha.ListDeviceRegistry(ctx)
		if err != nil {
			return fmt.Errorf("relist devices: %w", err)
		}
		for _, de := range devices {
			if de.ID != upd.DeviceID {
				continue
			}
			if err := d.store.UpsertDevice(deviceFromEntry(de), now); err != nil {
				return err
			}
			break
		}
		return d.refreshReplica()

	case homeassistant.EventEntityRegistryUpdated:
		if upd.Action == "remove" {
			if err := d.store.SoftDeleteEntity(upd.EntityID, now); err != nil {
				return err
			}
			d.replica.Delete(upd.EntityID)
			return nil
		}
		entities, err := ha.ListEntityRegistry(ctx)
		if err != nil {
			return fmt.Errorf("relist entities: %w", err)
		}
		for _, ee := range entities {
			if ee.EntityID != upd.EntityID {
				continue
			}
			if err := d.store.UpsertEntity(entityFromEntry(ee), now); err != nil {
				return err
			}
			break
		}
		return d.refreshReplica()

	case homeassistant.EventAreaRegistryUpdated:
		if upd.Action == "remove" {
			if err := d.store.SoftDeleteArea(upd.AreaID, now); err != nil {
				return err
			}
			return d.refreshReplica()
		}
		areas, err := ha.ListAreaRegistry(ctx)
		if err != nil {
			return fmt.Errorf("relist areas: %w", err)
		}
		for _, ae := range areas {
			if ae.AreaID != upd.AreaID {
				continue
			}
			a := catalog.Area{AreaID: ae.AreaID, Name: ae.Name, Aliases: ae.Aliases}
			if err := d.store.UpsertArea(a, now); err != nil {
				return err
			}
			break
		}
		return d.refreshReplica()
	}

	return nil
}

// ApplyExposeSchema installs schema-derived capabilities for the
// device whose registry identifier ends in ident (zigbee2mqtt encodes
// the IEEE address into the MQTT identifier). Returns false when no
// catalog device matches.
func (d *Discoverer) ApplyExposeSchema(ident string, caps []catalog.Capability) (bool, error) {
	d.mu.Lock()
	deviceID := ""
	for val, id := range d.identToID {
		if val == ident || strings.HasSuffix(val, ident) {
			deviceID = id
			break
		}
	}
	if deviceID != "" {
		d.schemaBacked[deviceID] = true
	}
	d.mu.Unlock()

	if deviceID == "" {
		return false, nil
	}
	for i := range caps {
		caps[i].DeviceID = deviceID
		caps[i].Source = "schema"
	}
	if err := d.store.ReplaceCapabilities(deviceID, caps); err != nil {
		return false, err
	}
	d.logger.Debug("expose schema applied", "device_id", deviceID, "capabilities", len(caps))
	return true, nil
}

func (d *Discoverer) refreshReplica() error {
	entities, err := d.store.ListEntities()
	if err != nil {
		return err
	}
	devices, err := d.store.ListDevices()
	if err != nil {
		return err
	}
	d.replica.Replace(catalog.BuildRefs(entities, devices))
	return nil
}

func deviceFromEntry(de homeassistant.DeviceEntry) catalog.Device {
	return catalog.Device{
		DeviceID:     de.ID,
		Name:         de.Name,
		NameByUser:   de.NameByUser,
		Manufacturer: de.Manufacturer,
		Model:        de.Model,
		SWVersion:    de.SWVersion,
		AreaID:       de.AreaID,
		Integration:  de.Integration(),
		EntryType:    de.EntryType,
		Disabled:     de.DisabledBy != nil && *de.DisabledBy != "",
	}
}

func entityFromEntry(ee homeassistant.EntityEntry) catalog.Entity {
	return catalog.Entity{
		EntityID: ee.EntityID,
		DeviceID: ee.DeviceID,
		Domain:   domainOf(ee.EntityID),
		Platform: ee.Platform,
		UniqueID: ee.UniqueID,
		AreaID:   ee.AreaID,
		Disabled: ee.IsDisabled(),
	}
}

func domainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}
