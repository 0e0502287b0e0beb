package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
)

type fakeHA struct {
	devices  []homeassistant.DeviceEntry
	entities []homeassistant.EntityEntry
	areas    []homeassistant.AreaEntry
	subs     []string
}

func (f *fakeHA) ListDeviceRegistry(context.Context) ([]homeassistant.DeviceEntry, error) {
	return f.devices, nil
}
func (f *fakeHA) ListEntityRegistry(context.Context) ([]homeassistant.EntityEntry, error) {
	return f.entities, nil
}
func (f *fakeHA) ListAreaRegistry(context.Context) ([]homeassistant.AreaEntry, error) {
	return f.areas, nil
}
func (f *fakeHA) SubscribeEvents(_ context.Context, eventType string) (int64, error) {
	f.subs = append(f.subs, eventType)
	return int64(len(f.subs)), nil
}

func strp(s string) *string { return &s }

func newTestDiscoverer(t *testing.T) (*Discoverer, *catalog.Store, *catalog.Replica) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := catalog.NewStore(db, nil, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	replica := catalog.NewReplica(nil)
	return New(store, replica, nil), store, replica
}

func testRegistries() *fakeHA {
	return &fakeHA{
		devices: []homeassistant.DeviceEntry{
			{ID: "dev-1", Name: "Hue Bulb", Manufacturer: "Signify", AreaID: strp("kitchen"),
				Identifiers: [][]string{{"hue", "bulb-serial-1"}}},
			{ID: "dev-2", Name: "Motion Sensor",
				Identifiers: [][]string{{"mqtt", "zigbee2mqtt_0x00158d0001abcdef"}}},
		},
		entities: []homeassistant.EntityEntry{
			{EntityID: "light.kitchen", DeviceID: strp("dev-1"), Platform: "hue", UniqueID: "u1"},
			{EntityID: "binary_sensor.motion", DeviceID: strp("dev-2"), Platform: "mqtt", UniqueID: "u2"},
		},
		areas: []homeassistant.AreaEntry{
			{AreaID: "kitchen", Name: "Kitchen", Aliases: []string{"cocina"}},
		},
	}
}

func TestSweepPopulatesCatalogAndReplica(t *testing.T) {
	d, store, replica := newTestDiscoverer(t)
	ha := testRegistries()

	if err := d.Sweep(context.Background(), ha); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].Integration != "hue" {
		t.Errorf("integration = %q, want hue", devices[0].Integration)
	}

	ref, ok := replica.Lookup("light.kitchen")
	if !ok {
		t.Fatal("light.kitchen missing from replica")
	}
	if ref.DeviceID != "dev-1" || ref.AreaID != "kitchen" {
		t.Errorf("ref = %+v, want dev-1/kitchen", ref)
	}

	// The device area flows through to entities without their own.
	caps, err := store.ListCapabilities("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != 1 || caps[0].Name != "brightness" || caps[0].Source != "inferred" {
		t.Errorf("capabilities = %+v, want inferred brightness", caps)
	}
}

func TestSweepTombstonesVanishedRows(t *testing.T) {
	d, store, replica := newTestDiscoverer(t)
	ha := testRegistries()
	ctx := context.Background()

	if err := d.Sweep(ctx, ha); err != nil {
		t.Fatal(err)
	}

	ha.devices = ha.devices[:1]
	ha.entities = ha.entities[:1]
	if err := d.Sweep(ctx, ha); err != nil {
		t.Fatal(err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "dev-1" {
		t.Fatalf("live devices = %+v, want only dev-1", devices)
	}
	if _, ok := replica.Lookup("binary_sensor.motion"); ok {
		t.Error("tombstoned entity still resolvable in replica")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	d, store, _ := newTestDiscoverer(t)
	ha := testRegistries()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := d.Sweep(ctx, ha); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	entities, err := store.ListEntities()
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities after double sweep, want 2", len(entities))
	}
}

func TestHandleUpdateRemoveEntity(t *testing.T) {
	d, store, replica := newTestDiscoverer(t)
	ha := testRegistries()
	ctx := context.Background()

	if err := d.Sweep(ctx, ha); err != nil {
		t.Fatal(err)
	}

	data, _ := json.Marshal(homeassistant.RegistryUpdateData{
		Action: "remove", EntityID: "light.kitchen",
	})
	ev := homeassistant.Event{
		Type: homeassistant.EventEntityRegistryUpdated,
		Data: data, TimeFired: time.Now(),
	}
	if err := d.HandleUpdate(ctx, ha, ev); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}

	entities, err := store.ListEntities()
	if err != nil {
		t.Fatal(err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d live entities, want 1", len(entities))
	}
	if _, ok := replica.Lookup("light.kitchen"); ok {
		t.Error("removed entity still resolvable in replica")
	}
}

func TestSubscribeRegistryUpdates(t *testing.T) {
	d, _, _ := newTestDiscoverer(t)
	ha := testRegistries()

	ids, err := d.SubscribeRegistryUpdates(context.Background(), ha)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d subscriptions, want 3", len(ids))
	}
	want := []string{
		homeassistant.EventDeviceRegistryUpdated,
		homeassistant.EventEntityRegistryUpdated,
		homeassistant.EventAreaRegistryUpdated,
	}
	for i, et := range want {
		if ha.subs[i] != et {
			t.Errorf("subscription %d = %q, want %q", i, ha.subs[i], et)
		}
	}
}

func TestApplyExposeSchemaWinsOverInference(t *testing.T) {
	d, store, _ := newTestDiscoverer(t)
	ha := testRegistries()
	ctx := context.Background()

	if err := d.Sweep(ctx, ha); err != nil {
		t.Fatal(err)
	}

	caps := []catalog.Capability{
		{Name: "occupancy", Type: catalog.CapBinary, Properties: map[string]any{}, Exposed: true},
		{Name: "battery", Type: catalog.CapNumeric,
			Properties: map[string]any{"unit": "%", "min": 0.0, "max": 100.0}, Exposed: true},
	}
	ok, err := d.ApplyExposeSchema("0x00158d0001abcdef", caps)
	if err != nil {
		t.Fatalf("ApplyExposeSchema: %v", err)
	}
	if !ok {
		t.Fatal("expose schema did not match any device")
	}

	got, err := store.ListCapabilities("dev-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d capabilities, want 2", len(got))
	}
	for _, c := range got {
		if c.Source != "schema" {
			t.Errorf("capability %s source = %q, want schema", c.Name, c.Source)
		}
	}

	// A later sweep must not clobber schema capabilities with inference.
	if err := d.Sweep(ctx, ha); err != nil {
		t.Fatal(err)
	}
	got, err = store.ListCapabilities("dev-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Source != "schema" {
		t.Errorf("capabilities after resweep = %+v, want schema rows intact", got)
	}
}

func TestParseExposes(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"numeric","property":"temperature","unit":"°C","value_min":-40,"value_max":80},
		{"type":"enum","property":"power_outage_memory","values":["on","off","restore"]},
		{"type":"binary","property":"occupancy"},
		{"type":"light","features":[{"type":"numeric","property":"brightness"},{"type":"binary","property":"state"}]}
	]`)

	caps, err := ParseExposes(raw)
	if err != nil {
		t.Fatalf("ParseExposes: %v", err)
	}
	if len(caps) != 4 {
		t.Fatalf("got %d capabilities, want 4", len(caps))
	}

	byName := map[string]catalog.Capability{}
	for _, c := range caps {
		byName[c.Name] = c
	}
	if c := byName["temperature"]; c.Type != catalog.CapNumeric || c.Properties["unit"] != "°C" {
		t.Errorf("temperature = %+v", c)
	}
	if c := byName["power_outage_memory"]; c.Type != catalog.CapEnum {
		t.Errorf("power_outage_memory = %+v", c)
	}
	if c := byName["occupancy"]; c.Type != catalog.CapBinary {
		t.Errorf("occupancy = %+v", c)
	}
	light := byName["light"]
	if light.Type != catalog.CapComposite {
		t.Fatalf("light = %+v", light)
	}
	features, _ := light.Properties["features"].([]string)
	if len(features) != 2 || features[0] != "brightness" {
		t.Errorf("light features = %v", features)
	}
}

func TestInferCapabilitiesCollapsesDomains(t *testing.T) {
	entities := []homeassistant.EntityEntry{
		{EntityID: "sensor.temp"},
		{EntityID: "sensor.humidity"},
		{EntityID: "binary_sensor.contact"},
		{EntityID: "unknown_domain.thing"},
	}
	caps := InferCapabilities("dev-x", entities)
	if len(caps) != 2 {
		t.Fatalf("got %d capabilities, want 2 (sensor collapsed, unknown skipped)", len(caps))
	}
}
