package pipeline

import (
	"sync/atomic"

	"github.com/hearthflow/hearthflow/internal/metrics"
)

// EnqueueResult reports what the queue did with one event.
// Backpressure is a first-class value, not an error.
type EnqueueResult int

const (
	// Accepted: the event is buffered and will reach the writer.
	Accepted EnqueueResult = iota
	// Dropped: the queue was full; the event was dropped at the tail.
	Dropped
	// Backpressured: the writer holds the high-water mark and the
	// queue is rejecting incoming events.
	Backpressured
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Dropped:
		return "dropped"
	case Backpressured:
		return "backpressured"
	default:
		return "unknown"
	}
}

// Queue is the bounded FIFO between the ingestor and the writer.
// Single producer, single consumer. Accepted events are also fanned
// out to the tee for webhook subscriptions.
type Queue struct {
	ch           chan Event
	backpressure atomic.Bool
	tee          *Tee
	metrics      *metrics.Metrics
}

// NewQueue creates a queue of the given capacity with an attached tee.
func NewQueue(capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		ch:      make(chan Event, capacity),
		tee:     NewTee(),
		metrics: m,
	}
}

// Enqueue offers one event. Never blocks: protecting the WebSocket
// reader's liveness is worth bounded, observable loss.
func (q *Queue) Enqueue(e Event) EnqueueResult {
	if q.backpressure.Load() {
		if q.metrics != nil {
			q.metrics.PipelineBackpressured.Inc()
		}
		return Backpressured
	}

	select {
	case q.ch <- e:
		if q.metrics != nil {
			q.metrics.PipelineEnqueued.Inc()
			q.metrics.PipelineDepth.Set(float64(len(q.ch)))
		}
		q.tee.Publish(e)
		return Accepted
	default:
		if q.metrics != nil {
			q.metrics.PipelineDropped.Inc()
		}
		return Dropped
	}
}

// Out is the writer's consumption side.
func (q *Queue) Out() <-chan Event {
	return q.ch
}

// Depth returns the number of buffered events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// SetBackpressure switches the enqueue path between drop-tail (false)
// and reject-incoming (true). Called by the writer when in-flight
// bytes cross the high-water mark.
func (q *Queue) SetBackpressure(on bool) {
	q.backpressure.Store(on)
}

// Backpressured reports the current mode.
func (q *Queue) Backpressured() bool {
	return q.backpressure.Load()
}

// Tee exposes the broadcast side for webhook subscriptions.
func (q *Queue) Tee() *Tee {
	return q.tee
}
