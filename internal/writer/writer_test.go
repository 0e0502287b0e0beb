package writer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/pipeline"
	"github.com/hearthflow/hearthflow/internal/spool"
	"github.com/hearthflow/hearthflow/internal/tsdb"
)

type fakeStorage struct {
	mu      sync.Mutex
	batches [][]tsdb.Point
	errs    []error // consumed per call; nil entries succeed
}

func (f *fakeStorage) Write(_ context.Context, _ string, points []tsdb.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]tsdb.Point, len(points))
	copy(cp, points)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStorage) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeStorage) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func testWriterConfig() config.WriterConfig {
	return config.WriterConfig{
		BatchSize:     3,
		FlushInterval: 50 * time.Millisecond,
		MaxRetries:    3,
		HighWater:     64 << 20,
		Parallelism:   1,
		DrainTimeout:  time.Second,
	}
}

func testEvent(entityID string) pipeline.Event {
	return pipeline.Event{
		EventType: "state_changed",
		EntityID:  entityID,
		Domain:    pipeline.DomainOf(entityID),
		TimeFired: time.Date(2025, 1, 20, 10, 5, 30, 0, time.UTC),
		NewState: &pipeline.StateSnapshot{
			State:      "on",
			Attributes: map[string]any{"friendly_name": "Thing"},
		},
	}
}

func newRunningWriter(t *testing.T, cfg config.WriterConfig, st Storage, sp *spool.Spool) (*Writer, *pipeline.Queue, context.CancelFunc) {
	t.Helper()
	q := pipeline.NewQueue(100, nil)
	w := New(cfg, "ha_raw", st, q, nil, sp, nil, nil)
	w.sleep = func(ctx context.Context, _ time.Duration) bool {
		return ctx.Err() == nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, q, cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFlushBySize(t *testing.T) {
	st := &fakeStorage{}
	_, q, _ := newRunningWriter(t, testWriterConfig(), st, nil)

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent("light.kitchen"))
	}
	waitFor(t, func() bool { return st.batchCount() == 1 }, "size-triggered flush never happened")

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.batches[0]) != 3 {
		t.Errorf("batch has %d points, want 3", len(st.batches[0]))
	}
	p := st.batches[0][0]
	if p.Measurement != MeasurementRaw || p.Tags["entity_id"] != "light.kitchen" {
		t.Errorf("routed point = %+v", p)
	}
	if p.Fields["state"] != "on" || p.Fields["attr_friendly_name"] != "Thing" {
		t.Errorf("fields = %+v", p.Fields)
	}
}

func TestFlushByTimer(t *testing.T) {
	st := &fakeStorage{}
	_, q, _ := newRunningWriter(t, testWriterConfig(), st, nil)

	q.Enqueue(testEvent("sensor.solo"))
	waitFor(t, func() bool { return st.pointCount() == 1 }, "timer-triggered flush never happened")
}

func TestRetriableErrorRetriesThenSucceeds(t *testing.T) {
	st := &fakeStorage{errs: []error{
		&tsdb.WriteError{StatusCode: 503, Body: "unavailable"},
		&tsdb.WriteError{StatusCode: 429, Body: "slow down"},
		nil,
	}}
	_, q, _ := newRunningWriter(t, testWriterConfig(), st, nil)

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent("light.retry"))
	}
	waitFor(t, func() bool { return st.pointCount() == 3 }, "batch never landed after retries")
}

func TestNonRetriableErrorDropsBatch(t *testing.T) {
	st := &fakeStorage{errs: []error{
		&tsdb.WriteError{StatusCode: 400, Body: "bad schema"},
	}}
	_, q, _ := newRunningWriter(t, testWriterConfig(), st, nil)

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent("light.bad"))
	}
	// The next batch must go through: the writer dropped, not wedged.
	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent("light.good"))
	}
	waitFor(t, func() bool { return st.pointCount() == 3 }, "writer wedged after non-retriable error")

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.batches[0][0].Tags["entity_id"] != "light.good" {
		t.Errorf("landed batch = %+v, want the post-rejection one", st.batches[0][0].Tags)
	}
}

func TestExhaustedRetriesSpool(t *testing.T) {
	sp, err := spool.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := &fakeStorage{errs: []error{
		errors.New("conn refused"),
		errors.New("conn refused"),
		errors.New("conn refused"),
	}}
	w, q, cancel := newRunningWriter(t, testWriterConfig(), st, sp)

	for i := 0; i < 3; i++ {
		q.Enqueue(testEvent("sensor.doomed"))
	}
	waitFor(t, func() bool {
		entries, _ := sp.Load("ha_raw")
		return len(entries) == 1
	}, "exhausted batch never reached the spool")

	entries, err := sp.Load("ha_raw")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Count != 3 {
		t.Errorf("spooled count = %d, want 3", entries[0].Count)
	}
	cancel()
	waitFor(t, func() bool { return w.InFlightBytes() == 0 }, "in-flight bytes not released")
}

func TestHighWaterBackpressure(t *testing.T) {
	cfg := testWriterConfig()
	cfg.HighWater = 1 // any point trips it
	cfg.BatchSize = 100
	st := &fakeStorage{}
	_, q, _ := newRunningWriter(t, cfg, st, nil)

	q.Enqueue(testEvent("sensor.heavy"))
	waitFor(t, q.Backpressured, "backpressure never engaged")

	if res := q.Enqueue(testEvent("sensor.rejected")); res != pipeline.Backpressured {
		t.Errorf("enqueue under pressure = %v, want Backpressured", res)
	}

	// The timer flush drains the charge and lifts backpressure.
	waitFor(t, func() bool { return !q.Backpressured() }, "backpressure never released")
}

func TestDrainFlushesPartialBatch(t *testing.T) {
	cfg := testWriterConfig()
	cfg.FlushInterval = time.Hour // only drain can flush
	st := &fakeStorage{}
	_, q, cancel := newRunningWriter(t, cfg, st, nil)

	q.Enqueue(testEvent("light.parting"))
	waitFor(t, func() bool { return q.Depth() == 0 }, "event never consumed")
	cancel()
	waitFor(t, func() bool { return st.pointCount() == 1 }, "partial batch lost on shutdown")
}

// blockedStorage holds every write until its context is cancelled,
// like a store that accepted the connection and went silent.
type blockedStorage struct{}

func (blockedStorage) Write(ctx context.Context, _ string, _ []tsdb.Point) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDrainGraceBoundsBlockedWorkers(t *testing.T) {
	cfg := testWriterConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	cfg.DrainTimeout = 100 * time.Millisecond

	q := pipeline.NewQueue(100, nil)
	w := New(cfg, "ha_raw", blockedStorage{}, q, nil, nil, nil, nil)
	w.sleep = func(ctx context.Context, _ time.Duration) bool {
		return ctx.Err() == nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Five full batches wedge the one worker and fill its dispatch
	// buffer; the odd event stays partial so drain itself must flush
	// it into the full buffer.
	for i := 0; i < 11; i++ {
		q.Enqueue(testEvent("sensor.stuck"))
	}
	waitFor(t, func() bool { return q.Depth() == 0 }, "events never consumed")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return after the grace period")
	}
}

func TestCardinalityOverflow(t *testing.T) {
	card := newCardinality(nil)
	for i := 0; i < maxTagValues; i++ {
		if got := card.bound("entity_id", entityName(i)); got == overflowTag {
			t.Fatalf("premature overflow at %d", i)
		}
	}
	if got := card.bound("entity_id", "light.one_too_many"); got != overflowTag {
		t.Errorf("bound past limit = %q, want %q", got, overflowTag)
	}
	// Known values still pass through.
	if got := card.bound("entity_id", entityName(0)); got != entityName(0) {
		t.Errorf("known value = %q", got)
	}
}

func entityName(i int) string {
	return "light.e" + strconv.Itoa(i)
}
