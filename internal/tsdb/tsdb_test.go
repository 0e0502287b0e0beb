package tsdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
)

func samplePoint() Point {
	return Point{
		Measurement: "home_assistant_events",
		Tags: map[string]string{
			"entity_id":  "light.living_room",
			"domain":     "light",
			"event_type": "state_changed",
		},
		Fields: map[string]any{
			"state":              "on",
			"duration_in_state":  int64(330),
			"attr_friendly_name": "Living Room",
		},
		Time: time.Unix(0, 1737367530000000000),
	}
}

func TestEncodeLine(t *testing.T) {
	got, err := Encode([]Point{samplePoint()})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `home_assistant_events,domain=light,entity_id=light.living_room,event_type=state_changed attr_friendly_name="Living Room",duration_in_state=330i,state="on" 1737367530000000000` + "\n"
	if string(got) != want {
		t.Errorf("line protocol mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestEncodeEscaping(t *testing.T) {
	p := Point{
		Measurement: "odd measurement",
		Tags:        map[string]string{"tag one": "a=b,c"},
		Fields:      map[string]any{"note": `say "hi" \now`},
		Time:        time.Unix(1, 0),
	}
	got, err := Encode([]Point{p})
	if err != nil {
		t.Fatal(err)
	}
	want := `odd\ measurement,tag\ one=a\=b\,c note="say \"hi\" \\now" 1000000000` + "\n"
	if string(got) != want {
		t.Errorf("escaping mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestEncodeRejectsBadPoints(t *testing.T) {
	if _, err := Encode([]Point{{Measurement: "m", Time: time.Now()}}); err == nil {
		t.Error("point without fields should not encode")
	}
	if _, err := Encode([]Point{{Fields: map[string]any{"x": 1}, Time: time.Now()}}); err == nil {
		t.Error("point without measurement should not encode")
	}
	p := samplePoint()
	p.Fields["bad"] = struct{}{}
	if _, err := Encode([]Point{p}); err == nil {
		t.Error("unsupported field type should not encode")
	}
}

func TestBatchIDStableAndOrderSensitive(t *testing.T) {
	p1, p2 := samplePoint(), samplePoint()
	p2.Tags["entity_id"] = "light.kitchen"

	a := BatchID([]Point{p1, p2})
	b := BatchID([]Point{p1, p2})
	if a == "" || a != b {
		t.Errorf("BatchID not stable: %q vs %q", a, b)
	}
	if c := BatchID([]Point{p1}); c == a {
		t.Error("different batches share an id")
	}
}

func TestWriteSendsBatchHeader(t *testing.T) {
	var gotBatchID, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBatchID = r.Header.Get("X-Batch-Id")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(config.InfluxConfig{URL: srv.URL, Token: "secret", Org: "home"}, nil)
	points := []Point{samplePoint()}
	if err := c.Write(context.Background(), "ha_raw", points); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gotBatchID != BatchID(points) {
		t.Errorf("X-Batch-Id = %q, want %q", gotBatchID, BatchID(points))
	}
	if gotAuth != "Token secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !strings.HasPrefix(gotBody, "home_assistant_events,") {
		t.Errorf("body = %q", gotBody)
	}
}

func TestWriteErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retriable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		c := New(config.InfluxConfig{URL: srv.URL, Token: "t", Org: "o"}, nil)
		err := c.Write(context.Background(), "b", []Point{samplePoint()})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if Retriable(err) != tt.retriable {
			t.Errorf("status %d: Retriable = %v, want %v", tt.status, Retriable(err), tt.retriable)
		}
	}
}

func TestParseAnnotatedCSV(t *testing.T) {
	csv := strings.Join([]string{
		`#datatype,string,long,dateTime:RFC3339,double,string,string`,
		`#group,false,false,false,false,true,true`,
		`#default,_result,,,,,`,
		`,result,table,_time,_value,_field,entity_id`,
		`,,0,2025-01-20T10:05:30Z,200,brightness,light.living_room`,
		`,,0,2025-01-20T10:06:00Z,180,brightness,light.living_room`,
		``,
		`#datatype,string,long,dateTime:RFC3339,string,string`,
		`#group,false,false,false,true,true`,
		`#default,_result,,,,`,
		`,result,table,_time,_field,entity_id`,
		`,,1,2025-01-20T10:07:00Z,state,switch.fan`,
	}, "\n")

	records, err := ParseAnnotatedCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseAnnotatedCSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	first := records[0]
	if v, ok := first.Float("_value"); !ok || v != 200 {
		t.Errorf("_value = %v", first["_value"])
	}
	if first["entity_id"] != "light.living_room" {
		t.Errorf("entity_id = %q", first["entity_id"])
	}
	if first.Time("_time").IsZero() {
		t.Error("_time did not parse")
	}

	// The second table carries a different column set.
	last := records[2]
	if last["entity_id"] != "switch.fan" || last["_field"] != "state" {
		t.Errorf("second table record = %v", last)
	}
}
