package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hearthflow/hearthflow/internal/catalog"
	"github.com/hearthflow/hearthflow/internal/homeassistant"
	"github.com/hearthflow/hearthflow/internal/pipeline"
)

func stateChangedEvent(t *testing.T, data string) homeassistant.Event {
	t.Helper()
	fired, _ := time.Parse(time.RFC3339, "2025-01-20T10:05:30Z")
	return homeassistant.Event{
		Type:      homeassistant.EventStateChanged,
		Data:      json.RawMessage(data),
		Origin:    "LOCAL",
		TimeFired: fired,
		Context:   homeassistant.EventContext{ID: "abc"},
	}
}

func newTestIngestor(capacity int) (*Ingestor, *pipeline.Queue, *catalog.Replica) {
	replica := catalog.NewReplica(nil)
	q := pipeline.NewQueue(capacity, nil)
	return New(replica, q, nil, nil), q, replica
}

func TestHandleHappyPath(t *testing.T) {
	ing, q, replica := newTestIngestor(10)
	replica.Replace(map[string]catalog.Ref{
		"light.living_room": {DeviceID: "dev-9", AreaID: "living_room"},
	})

	ev := stateChangedEvent(t, `{
		"entity_id": "light.living_room",
		"old_state": {"state":"off","last_changed":"2025-01-20T10:00:00Z","last_updated":"2025-01-20T10:00:00Z","attributes":{}},
		"new_state": {"state":"on","last_changed":"2025-01-20T10:05:30Z","last_updated":"2025-01-20T10:05:30Z","attributes":{"brightness":200}}
	}`)

	res, ok := ing.Handle(ev)
	if !ok || res != pipeline.Accepted {
		t.Fatalf("Handle = (%v, %v), want (Accepted, true)", res, ok)
	}

	got := <-q.Out()
	if got.EntityID != "light.living_room" || got.Domain != "light" {
		t.Errorf("entity/domain = %s/%s", got.EntityID, got.Domain)
	}
	if got.NewState == nil || got.NewState.State != "on" {
		t.Fatalf("new_state = %+v", got.NewState)
	}
	if got.DurationInState == nil || *got.DurationInState != 330 {
		t.Errorf("duration_in_state = %v, want 330", got.DurationInState)
	}
	if got.DeviceID != "dev-9" || got.AreaID != "living_room" {
		t.Errorf("join = %s/%s, want dev-9/living_room", got.DeviceID, got.AreaID)
	}
	if got.TimeFired.UnixNano() != 1737367530000000000 {
		t.Errorf("time_fired ns = %d, want 1737367530000000000", got.TimeFired.UnixNano())
	}
	if b, ok := got.NumericAttribute("brightness"); !ok || b != 200 {
		t.Errorf("brightness = %v %v", b, ok)
	}
}

func TestHandleCacheMissLeavesJoinEmpty(t *testing.T) {
	ing, q, _ := newTestIngestor(10)

	ev := stateChangedEvent(t, `{
		"entity_id": "sensor.unjoined",
		"new_state": {"state":"42","last_changed":"2025-01-20T10:05:30Z","last_updated":"2025-01-20T10:05:30Z","attributes":{}}
	}`)

	if res, ok := ing.Handle(ev); !ok || res != pipeline.Accepted {
		t.Fatalf("Handle = (%v, %v)", res, ok)
	}
	got := <-q.Out()
	if got.DeviceID != "" || got.AreaID != "" {
		t.Errorf("join fields = %q/%q, want empty", got.DeviceID, got.AreaID)
	}
	if got.DurationInState != nil {
		t.Errorf("duration_in_state = %v, want nil without old_state", *got.DurationInState)
	}
}

func TestHandleInvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing new_state", `{"entity_id":"light.x","new_state":null}`},
		{"malformed entity_id", `{"entity_id":"Light.X!","new_state":{"state":"on"}}`},
		{"uppercase entity_id", `{"entity_id":"LIGHT.kitchen","new_state":{"state":"on"}}`},
		{"no dot", `{"entity_id":"lightkitchen","new_state":{"state":"on"}}`},
		{"garbage payload", `{"entity_id": 7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing, q, _ := newTestIngestor(10)
			if _, ok := ing.Handle(stateChangedEvent(t, tt.data)); ok {
				t.Error("invalid frame was accepted")
			}
			if q.Depth() != 0 {
				t.Errorf("queue depth = %d after invalid frame", q.Depth())
			}
		})
	}
}

func TestHandleDropTailWhenFull(t *testing.T) {
	ing, q, _ := newTestIngestor(2)

	ev := stateChangedEvent(t, `{
		"entity_id": "sensor.flood",
		"new_state": {"state":"1","last_changed":"2025-01-20T10:05:30Z","last_updated":"2025-01-20T10:05:30Z","attributes":{}}
	}`)

	results := make([]pipeline.EnqueueResult, 0, 3)
	for i := 0; i < 3; i++ {
		res, _ := ing.Handle(ev)
		results = append(results, res)
	}
	want := []pipeline.EnqueueResult{pipeline.Accepted, pipeline.Accepted, pipeline.Dropped}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("enqueue %d = %v, want %v", i, results[i], want[i])
		}
	}
	if q.Depth() != 2 {
		t.Errorf("queue depth = %d, want 2", q.Depth())
	}
}

func TestHandleBackpressure(t *testing.T) {
	ing, q, _ := newTestIngestor(10)
	q.SetBackpressure(true)

	ev := stateChangedEvent(t, `{
		"entity_id": "sensor.bp",
		"new_state": {"state":"1","last_changed":"2025-01-20T10:05:30Z","last_updated":"2025-01-20T10:05:30Z","attributes":{}}
	}`)
	if res, ok := ing.Handle(ev); !ok || res != pipeline.Backpressured {
		t.Fatalf("Handle under backpressure = (%v, %v), want Backpressured", res, ok)
	}
}

func TestNegativeDurationOmitted(t *testing.T) {
	// Clock weirdness upstream: old_state newer than new_state.
	ing, q, _ := newTestIngestor(10)
	ev := stateChangedEvent(t, `{
		"entity_id": "sensor.skew",
		"old_state": {"state":"a","last_changed":"2025-01-20T11:00:00Z","last_updated":"2025-01-20T11:00:00Z","attributes":{}},
		"new_state": {"state":"b","last_changed":"2025-01-20T10:00:00Z","last_updated":"2025-01-20T10:00:00Z","attributes":{}}
	}`)
	if _, ok := ing.Handle(ev); !ok {
		t.Fatal("frame rejected")
	}
	got := <-q.Out()
	if got.DurationInState != nil {
		t.Errorf("duration_in_state = %v, want nil for negative interval", *got.DurationInState)
	}
}
