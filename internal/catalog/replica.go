package catalog

import (
	"sync"

	"github.com/hearthflow/hearthflow/internal/metrics"
)

// Ref is the join target for one entity: its device and effective
// area. The area falls back to the device's area when the entity has
// none of its own.
type Ref struct {
	DeviceID string
	AreaID   string
}

// Replica is the in-memory read view the ingestor joins against. The
// discoverer rebuilds it after every sweep and patches it on
// incremental updates, so the hot path never touches sqlite.
type Replica struct {
	mu      sync.RWMutex
	refs    map[string]Ref
	metrics *metrics.Metrics
}

// NewReplica creates an empty replica.
func NewReplica(m *metrics.Metrics) *Replica {
	return &Replica{refs: make(map[string]Ref), metrics: m}
}

// Lookup resolves one entity id. A miss is counted and returns ok
// false; the caller proceeds with empty join fields.
func (r *Replica) Lookup(entityID string) (Ref, bool) {
	r.mu.RLock()
	ref, ok := r.refs[entityID]
	r.mu.RUnlock()
	if !ok && r.metrics != nil {
		r.metrics.CatalogCacheMiss.Inc()
	}
	return ref, ok
}

// Replace swaps the full map in one step after a sweep.
func (r *Replica) Replace(refs map[string]Ref) {
	r.mu.Lock()
	r.refs = refs
	r.mu.Unlock()
}

// Set patches one entity after an incremental registry update.
func (r *Replica) Set(entityID string, ref Ref) {
	r.mu.Lock()
	r.refs[entityID] = ref
	r.mu.Unlock()
}

// Delete removes one entity after a removal update.
func (r *Replica) Delete(entityID string) {
	r.mu.Lock()
	delete(r.refs, entityID)
	r.mu.Unlock()
}

// Len reports the number of mapped entities, for the status API.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}

// BuildRefs derives the replica map from store contents: entity area
// first, device area as fallback.
func BuildRefs(entities []Entity, devices []Device) map[string]Ref {
	deviceArea := make(map[string]string, len(devices))
	for _, d := range devices {
		if d.AreaID != nil {
			deviceArea[d.DeviceID] = *d.AreaID
		}
	}

	refs := make(map[string]Ref, len(entities))
	for _, e := range entities {
		if e.Disabled {
			continue
		}
		var ref Ref
		if e.DeviceID != nil {
			ref.DeviceID = *e.DeviceID
		}
		switch {
		case e.AreaID != nil:
			ref.AreaID = *e.AreaID
		case ref.DeviceID != "":
			ref.AreaID = deviceArea[ref.DeviceID]
		}
		refs[e.EntityID] = ref
	}
	return refs
}
