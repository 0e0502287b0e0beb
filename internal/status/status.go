// Package status tracks per-component health for the read-side API.
// Components report their own state; nothing here tears a sibling
// down. The shapes mirror what the API serves as JSON.
package status

import (
	"sync"
	"time"
)

// Health is a component's self-reported condition.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Failed   Health = "failed"
)

// Component is one entry in the status report.
type Component struct {
	Name      string    `json:"name"`
	Health    Health    `json:"health"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Registry holds the current status of every registered component.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
	now        func() time.Time
}

// NewRegistry creates an empty status registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Component),
		now:        time.Now,
	}
}

// Report sets a component's health. err may be nil; for Healthy it is
// ignored. Transitions that do not change health keep the original
// Since timestamp.
func (r *Registry) Report(name string, h Health, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.components[name]
	c := Component{Name: name, Health: h, Since: r.now()}
	if ok && cur.Health == h {
		c.Since = cur.Since
	}
	if err != nil && h != Healthy {
		c.LastError = err.Error()
	}
	r.components[name] = c
}

// Get returns one component's status and whether it was ever reported.
func (r *Registry) Get(name string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// All returns a snapshot of every component's status.
func (r *Registry) All() []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	return out
}

// Overall reduces component statuses: failed wins over degraded wins
// over healthy. An empty registry is healthy (startup).
func (r *Registry) Overall() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Healthy
	for _, c := range r.components {
		switch c.Health {
		case Failed:
			return Failed
		case Degraded:
			out = Degraded
		}
	}
	return out
}
