// Package dedup provides a bounded, deterministic cache of call identities
// already notified. The correlator records an identity on every successful
// match and queries it before emitting, so each physical call produces exactly
// one notification no matter how many events it fans out into.
//
// Eviction is oldest-first at a fixed capacity. The cache is never reset;
// entries only leave by being pushed out.
package dedup

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/callwatch/metric"
)

// DefaultCapacity bounds the dedup window. Two hundred in-flight call
// identities comfortably covers the burstiest exchange this watches.
const DefaultCapacity = 200

// Cache is a thread-safe fixed-capacity LRU set of call identity keys.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element // key -> list element
	order    *list.List               // front = most recent

	metrics *cacheMetrics
}

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.Registry) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwatch",
			Subsystem: "dedup",
			Name:      "hits_total",
			Help:      "Lookups that found an already-notified call identity",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwatch",
			Subsystem: "dedup",
			Name:      "misses_total",
			Help:      "Lookups for a call identity not yet seen",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwatch",
			Subsystem: "dedup",
			Name:      "evictions_total",
			Help:      "Identities pushed out of the bounded window",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callwatch",
			Subsystem: "dedup",
			Name:      "size",
			Help:      "Current number of tracked call identities",
		}),
	}

	if err := registry.RegisterCounter("dedup", "hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dedup", "misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dedup", "evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("dedup", "size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

// New creates a dedup cache with the given capacity. A nil metrics registry
// disables metrics (nil input = nil feature pattern); capacity <= 0 falls back
// to DefaultCapacity.
func New(capacity int, registry *metric.Registry) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	var metrics *cacheMetrics
	if registry != nil {
		var err error
		metrics, err = newCacheMetrics(registry)
		if err != nil {
			return nil, err
		}
	}

	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		metrics:  metrics,
	}, nil
}

// Seen reports whether key has already been recorded. A hit refreshes the
// key's recency so active calls are not evicted mid-ring by unrelated churn.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return false
	}

	c.order.MoveToFront(element)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return true
}

// Record inserts key as the most recent identity, evicting the oldest entry
// once capacity is exceeded. Recording an existing key refreshes its recency.
func (c *Cache) Record(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, exists := c.items[key]; exists {
		c.order.MoveToFront(element)
		return
	}

	element := c.order.PushFront(key)
	c.items[key] = element

	if len(c.items) > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.items, oldest.Value.(string))
			c.order.Remove(oldest)
			if c.metrics != nil {
				c.metrics.evictions.Inc()
			}
		}
	}

	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}

// Size returns the current number of tracked identities.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all tracked keys, most recent first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(string))
	}
	return keys
}
