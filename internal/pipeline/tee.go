package pipeline

import (
	"sync"
)

// Tee broadcasts accepted events to per-subscription mailboxes. Each
// mailbox is bounded; when full, the oldest undelivered event is
// dropped so a stalled webhook receiver cannot pin memory or block
// the enqueue path.
type Tee struct {
	mu        sync.RWMutex
	mailboxes map[string]*Mailbox
}

// NewTee creates an empty broadcast tee.
func NewTee() *Tee {
	return &Tee{mailboxes: make(map[string]*Mailbox)}
}

// Publish fans one event out to every mailbox. Never blocks.
func (t *Tee) Publish(e Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, mb := range t.mailboxes {
		mb.push(e)
	}
}

// Attach registers a mailbox under a key (the subscription id).
// Re-attaching a key replaces and closes the previous mailbox.
func (t *Tee) Attach(key string, capacity int, onDrop func()) *Mailbox {
	if capacity <= 0 {
		capacity = 256
	}
	mb := &Mailbox{
		ch:     make(chan Event, capacity),
		onDrop: onDrop,
	}

	t.mu.Lock()
	if old, ok := t.mailboxes[key]; ok {
		old.close()
	}
	t.mailboxes[key] = mb
	t.mu.Unlock()

	return mb
}

// Detach removes and closes a mailbox. No-op for unknown keys.
func (t *Tee) Detach(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mb, ok := t.mailboxes[key]; ok {
		mb.close()
		delete(t.mailboxes, key)
	}
}

// Mailbox is one subscription's bounded event buffer with drop-oldest
// overflow.
type Mailbox struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	onDrop func()
}

// Events is the consumer side. The channel closes on Detach.
func (m *Mailbox) Events() <-chan Event {
	return m.ch
}

// push appends an event, evicting the oldest entry when full.
func (m *Mailbox) push(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	for {
		select {
		case m.ch <- e:
			return
		default:
		}
		// Full: drop the oldest and try again. The consumer may race
		// us for that slot, which is fine: either way one slot frees.
		select {
		case <-m.ch:
			if m.onDrop != nil {
				m.onDrop()
			}
		default:
		}
	}
}

func (m *Mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}
