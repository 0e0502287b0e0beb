// Package enrich maintains TTL-bounded snapshots of external context
// (weather, presence, any configured source entity) and attaches them
// to events as tags. Sources are fed from the live event stream
// itself: a configured source names the entity whose state carries
// the context.
package enrich

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hearthflow/hearthflow/internal/config"
	"github.com/hearthflow/hearthflow/internal/pipeline"
)

type snapshot struct {
	tags map[string]string
	at   time.Time
}

// Cache holds the freshest snapshot per source. Readers get only
// values within their source's TTL; staleness is absence, never an
// error.
type Cache struct {
	mu      sync.RWMutex
	sources map[string]config.Source // source name -> config
	byName  map[string]snapshot      // source name -> latest snapshot
	entity  map[string]string        // entity id -> source name
	now     func() time.Time
}

// NewCache creates a cache for the configured sources.
func NewCache(sources map[string]config.Source) *Cache {
	c := &Cache{
		sources: sources,
		byName:  make(map[string]snapshot),
		entity:  make(map[string]string),
		now:     time.Now,
	}
	for name, src := range sources {
		if src.Entity != "" {
			c.entity[src.Entity] = name
		}
	}
	return c
}

// Observe inspects one event and refreshes any source fed by its
// entity. Called on the writer path before Tags, so a source update
// enriches every later event immediately.
func (c *Cache) Observe(e *pipeline.Event) {
	c.mu.RLock()
	name, ok := c.entity[e.EntityID]
	c.mu.RUnlock()
	if !ok || e.NewState == nil {
		return
	}

	tags := map[string]string{name: e.NewState.State}
	// Conventional numeric attributes ride along with a source prefix.
	for _, attr := range []string{"temperature", "humidity", "pressure"} {
		if v, ok := e.NumericAttribute(attr); ok {
			tags[name+"_"+attr] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}

	c.Set(name, tags)
}

// Set installs a snapshot for a source. Exposed for sources fed from
// outside the event stream (MQTT bridge announcements).
func (c *Cache) Set(source string, tags map[string]string) {
	c.mu.Lock()
	c.byName[source] = snapshot{tags: tags, at: c.now()}
	c.mu.Unlock()
}

// Tags merges every fresh source snapshot into one tag map. Sources
// past their TTL are skipped. Nil when nothing is fresh.
func (c *Cache) Tags() map[string]string {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out map[string]string
	for name, snap := range c.byName {
		ttl := c.sources[name].TTL
		if ttl <= 0 || now.Sub(snap.at) > ttl {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		for k, v := range snap.tags {
			out[k] = v
		}
	}
	return out
}

// Freshness reports each source's age for the status API. Sources
// never observed report -1.
func (c *Cache) Freshness() map[string]time.Duration {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]time.Duration, len(c.sources))
	for name := range c.sources {
		if snap, ok := c.byName[name]; ok {
			out[name] = now.Sub(snap.at)
		} else {
			out[name] = -1
		}
	}
	return out
}

// String implements fmt.Stringer for startup logging.
func (c *Cache) String() string {
	return fmt.Sprintf("enrich(%d sources)", len(c.sources))
}
