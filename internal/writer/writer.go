// Package writer owns the hard delivery contracts: at-least-once
// writes to the time-series store, size+time flush, bounded memory,
// classified retry with backoff, and backpressure toward the
// ingestor. One Writer instance per target bucket.
package writer

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/enrich"
	"github.com/hearthflow/hearthflow/internal/metrics"
	"github.com/hearthflow/hearthflow/internal/pipeline"
	"github.com/hearthflow/hearthflow/internal/spool"
	"github.com/hearthflow/hearthflow/internal/tsdb"
)

// Storage is the write side of the time-series store, satisfied by
// *tsdb.Client.
type Storage interface {
	Write(ctx context.Context, bucket string, points []tsdb.Point) error
}

// batch accumulates points for one measurement between flushes.
type batch struct {
	measurement string
	points      []tsdb.Point
	bytes       int64
}

// Writer consumes the pipeline queue and writes batches to one bucket.
type Writer struct {
	cfg     config.WriterConfig
	bucket  string
	storage Storage
	queue   *pipeline.Queue
	cache   *enrich.Cache
	spool   *spool.Spool
	card    *cardinality
	metrics *metrics.Metrics
	logger  *slog.Logger

	inFlight atomic.Int64

	// writeCtx outlives the run context by the drain grace period so
	// in-retry batches get their chance before spooling.
	writeCtx    context.Context
	cancelWrite context.CancelFunc

	dispatch []chan *batch
	wg       sync.WaitGroup

	// sleep is swappable so tests do not wait out real backoffs.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a Writer for one bucket. spool may be nil in tests.
func New(cfg config.WriterConfig, bucket string, storage Storage, queue *pipeline.Queue,
	cache *enrich.Cache, sp *spool.Spool, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		cfg:     cfg,
		bucket:  bucket,
		storage: storage,
		queue:   queue,
		cache:   cache,
		spool:   sp,
		card:    newCardinality(m),
		metrics: m,
		logger:  logger.With("bucket", bucket),
		sleep:   sleepCtx,
	}
	w.writeCtx, w.cancelWrite = context.WithCancel(context.Background())

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	w.dispatch = make([]chan *batch, parallelism)
	for i := range w.dispatch {
		w.dispatch[i] = make(chan *batch, 4)
	}
	return w
}

// Run consumes events until ctx is cancelled, then drains. Blocks for
// the life of the writer; callers run it in its own goroutine.
func (w *Writer) Run(ctx context.Context) {
	for i := range w.dispatch {
		w.wg.Add(1)
		go w.flushWorker(w.dispatch[i])
	}

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batches := make(map[string]*batch)

	for {
		select {
		case <-ctx.Done():
			w.drain(batches)
			return

		case ev := <-w.queue.Out():
			if w.metrics != nil {
				w.metrics.PipelineDepth.Set(float64(w.queue.Depth()))
			}
			w.ingest(batches, ev)

		case <-ticker.C:
			for _, b := range batches {
				if len(b.points) > 0 {
					w.send(b)
				}
			}
			clear(batches)
		}
	}
}

// ingest runs the normalize → enrich → route → batch stages for one
// event, flushing the batch if it reaches its size threshold.
func (w *Writer) ingest(batches map[string]*batch, ev pipeline.Event) {
	if w.cache != nil {
		w.cache.Observe(&ev)
		if tags := w.cache.Tags(); tags != nil && ev.Enrichment == nil {
			ev.Enrichment = tags
		}
	}

	p, err := w.toPoint(ev)
	if err != nil {
		w.logger.Warn("event not routable", "entity_id", ev.EntityID, "error", err)
		return
	}

	b, ok := batches[p.Measurement]
	if !ok {
		b = &batch{measurement: p.Measurement}
		batches[p.Measurement] = b
	}
	size := int64(tsdb.Size(p))
	b.points = append(b.points, p)
	b.bytes += size
	w.charge(size)

	if len(b.points) >= w.batchSizeFor(p.Measurement) {
		w.send(b)
		delete(batches, p.Measurement)
	}
}

func (w *Writer) batchSizeFor(measurement string) int {
	if n, ok := w.cfg.BatchSizes[measurement]; ok && n > 0 {
		return n
	}
	return w.cfg.BatchSize
}

// send hands a batch to its flush worker. Measurement-sticky routing
// keeps per-measurement write order equal to pipeline order.
func (w *Writer) send(b *batch) {
	h := fnv.New32a()
	h.Write([]byte(b.measurement))
	w.dispatch[int(h.Sum32())%len(w.dispatch)] <- b
}

func (w *Writer) flushWorker(ch <-chan *batch) {
	defer w.wg.Done()
	for b := range ch {
		w.writeWithRetry(b)
	}
}

// writeWithRetry drives one batch to a terminal outcome: written,
// dropped (non-retriable), or spooled (retries exhausted or shutdown).
// The batch's bytes stay charged until the outcome.
func (w *Writer) writeWithRetry(b *batch) {
	defer w.release(b.bytes)

	maxRetries := w.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := w.storage.Write(w.writeCtx, w.bucket, b.points)
		if err == nil {
			if w.metrics != nil {
				w.metrics.WrittenPoints.Add(float64(len(b.points)))
			}
			return
		}
		lastErr = err

		if !tsdb.Retriable(err) {
			if w.metrics != nil {
				w.metrics.WriteDropped.Add(float64(len(b.points)))
			}
			w.logger.Error("batch rejected, dropping",
				"measurement", b.measurement, "points", len(b.points),
				"first_point", fingerprint(b.points[0]), "error", err)
			return
		}

		if w.metrics != nil {
			w.metrics.WriteRetries.Inc()
		}
		w.logger.Warn("batch write failed, will retry",
			"measurement", b.measurement, "attempt", attempt, "error", err)

		if attempt < maxRetries && !w.sleep(w.writeCtx, retryDelay(attempt)) {
			break
		}
	}

	w.toSpool(b, lastErr)
}

// toSpool persists a batch that could not be written.
func (w *Writer) toSpool(b *batch, cause error) {
	if w.spool == nil {
		if w.metrics != nil {
			w.metrics.WriteDropped.Add(float64(len(b.points)))
		}
		w.logger.Error("no spool configured, dropping batch",
			"measurement", b.measurement, "points", len(b.points), "error", cause)
		return
	}
	lines, err := tsdb.Encode(b.points)
	if err != nil {
		w.logger.Error("batch unencodable for spool", "error", err)
		return
	}
	if err := w.spool.Append(w.bucket, tsdb.BatchID(b.points), len(b.points), lines); err != nil {
		w.logger.Error("spool append failed, batch lost",
			"measurement", b.measurement, "points", len(b.points), "error", err)
	}
}

// drain flushes pending batches and gives in-flight writes the
// configured grace period before cutting them over to the spool.
func (w *Writer) drain(batches map[string]*batch) {
	grace := w.cfg.DrainTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}

	// The grace clock starts now, before the final flush: with workers
	// stuck on a dead store the dispatch buffers fill and the sends
	// below block, so a timer armed only afterward would never fire.
	deadline := time.AfterFunc(grace, func() {
		w.logger.Warn("drain grace expired, spooling in-flight batches")
		w.cancelWrite()
	})
	defer deadline.Stop()

	// Pull whatever is still buffered in the queue so accepted events
	// reach storage or the spool, not the void.
	if w.queue != nil {
		for {
			select {
			case ev := <-w.queue.Out():
				w.ingest(batches, ev)
				continue
			default:
			}
			break
		}
	}

	for _, b := range batches {
		if len(b.points) > 0 {
			w.send(b)
		}
	}
	for i := range w.dispatch {
		close(w.dispatch[i])
	}

	w.wg.Wait()
	w.cancelWrite()
}

// charge adds to the in-flight byte budget and trips backpressure at
// the high-water mark.
func (w *Writer) charge(n int64) {
	total := w.inFlight.Add(n)
	if w.metrics != nil {
		w.metrics.InFlightBytes.Set(float64(total))
	}
	if total > w.cfg.HighWater && w.queue != nil && !w.queue.Backpressured() {
		w.logger.Warn("high-water mark crossed, rejecting incoming events",
			"in_flight_bytes", total, "high_water", w.cfg.HighWater)
		w.queue.SetBackpressure(true)
	}
}

func (w *Writer) release(n int64) {
	total := w.inFlight.Add(-n)
	if w.metrics != nil {
		w.metrics.InFlightBytes.Set(float64(total))
	}
	if total <= w.cfg.HighWater && w.queue != nil && w.queue.Backpressured() {
		w.logger.Info("in-flight bytes back under high-water mark",
			"in_flight_bytes", total)
		w.queue.SetBackpressure(false)
	}
}

// InFlightBytes reports the current memory charge, for the status API.
func (w *Writer) InFlightBytes() int64 {
	return w.inFlight.Load()
}

// retryDelay is the write retry backoff: 5s doubling to a 30s cap,
// full jitter.
func retryDelay(attempt int) time.Duration {
	const (
		base = 5 * time.Second
		cap  = 30 * time.Second
	)
	d := base
	for i := 1; i < attempt && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// fingerprint identifies a rejected point in logs without dumping the
// whole payload.
func fingerprint(p tsdb.Point) string {
	return fmt.Sprintf("%s,entity_id=%s@%d",
		p.Measurement, p.Tags["entity_id"], p.Time.UnixNano())
}
