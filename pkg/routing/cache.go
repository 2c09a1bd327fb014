package routing

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cachePrometheusMetrics sync.Once

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "routing",
			Name:      "cache_lookups_total",
			Help:      "Number of lookups performed against the routing cache.",
		},
		[]string{"result"})
	cacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "routing",
			Name:      "cache_invalidations_total",
			Help:      "Number of times the routing cache was invalidated wholesale.",
		})
)

// Cache memoizes routing decisions for read traffic. Entries carry no
// TTL; instead the entire cache is invalidated on every topology
// mutation, favoring correctness over retention. Write decisions are
// never cached, as range and weight changes must be observed
// immediately.
type Cache struct {
	lookupsHit  prometheus.Counter
	lookupsMiss prometheus.Counter

	lock    sync.RWMutex
	entries map[string]Decision
}

// NewCache creates an empty routing cache.
func NewCache() *Cache {
	cachePrometheusMetrics.Do(func() {
		prometheus.MustRegister(cacheLookupsTotal)
		prometheus.MustRegister(cacheInvalidationsTotal)
	})

	return &Cache{
		lookupsHit:  cacheLookupsTotal.WithLabelValues("hit"),
		lookupsMiss: cacheLookupsTotal.WithLabelValues("miss"),
		entries:     map[string]Decision{},
	}
}

// Get returns a previously memoized decision for a routing key.
func (c *Cache) Get(key string) (Decision, bool) {
	c.lock.RLock()
	decision, ok := c.entries[key]
	c.lock.RUnlock()
	if ok {
		c.lookupsHit.Inc()
	} else {
		c.lookupsMiss.Inc()
	}
	return decision, ok
}

// Put memoizes a decision for a routing key.
func (c *Cache) Put(key string, decision Decision) {
	c.lock.Lock()
	c.entries[key] = decision
	c.lock.Unlock()
}

// InvalidateAll discards every entry. It is invoked through the
// topology store's invalidation callbacks, before the mutating call
// returns, so that no lookup after a topology change can observe a
// stale shard.
func (c *Cache) InvalidateAll() {
	c.lock.Lock()
	c.entries = map[string]Decision{}
	c.lock.Unlock()
	cacheInvalidationsTotal.Inc()
}

// Len returns the number of memoized decisions.
func (c *Cache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries)
}
