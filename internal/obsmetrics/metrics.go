// Package obsmetrics instruments the lock manager, cache, and storage
// adapter with Prometheus counters and gauges.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the core's components publish.
type Registry struct {
	reg *prometheus.Registry

	LockAcquisitions *prometheus.CounterVec
	LockTimeouts     *prometheus.CounterVec
	LockWaitSeconds  *prometheus.HistogramVec
	LockHolders      *prometheus.GaugeVec
	LockWaiters      *prometheus.GaugeVec
	LongWaiters      prometheus.Gauge

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEntries   prometheus.Gauge
	CacheEvictions prometheus.Counter

	AdapterFallbacks   prometheus.Counter
	AdapterUnhealthy   prometheus.Gauge
	AdapterPubSubDrops prometheus.Counter
}

// New constructs a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcore_lock_acquisitions_total",
			Help: "Lock acquisitions by resource and kind.",
		}, []string{"resource", "kind"}),
		LockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memcore_lock_timeouts_total",
			Help: "Lock acquisition timeouts by resource and kind.",
		}, []string{"resource", "kind"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "memcore_lock_wait_seconds",
			Help: "Time spent waiting to acquire a lock.",
		}, []string{"resource", "kind"}),
		LockHolders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memcore_lock_holders",
			Help: "Current lock holders by resource and kind.",
		}, []string{"resource", "kind"}),
		LockWaiters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memcore_lock_waiters",
			Help: "Current lock waiters by resource and kind.",
		}, []string{"resource", "kind"}),
		LongWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memcore_lock_long_waiters",
			Help: "Waiters queued longer than the deadlock-heuristic threshold.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcore_cache_hits_total",
			Help: "Bounded TTL cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcore_cache_misses_total",
			Help: "Bounded TTL cache misses.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memcore_cache_entries",
			Help: "Current live cache entries.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcore_cache_evictions_total",
			Help: "Entries evicted by LRU or TTL expiry.",
		}),
		AdapterFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcore_adapter_fallbacks_total",
			Help: "Times the backend adapter fell back to durable-only mode.",
		}),
		AdapterUnhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memcore_adapter_unhealthy",
			Help: "1 if the shared-KV backend is currently marked unhealthy.",
		}),
		AdapterPubSubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memcore_adapter_pubsub_drops_total",
			Help: "Publish attempts that failed and were downgraded to warnings.",
		}),
	}

	reg.MustRegister(
		r.LockAcquisitions, r.LockTimeouts, r.LockWaitSeconds, r.LockHolders, r.LockWaiters, r.LongWaiters,
		r.CacheHits, r.CacheMisses, r.CacheEntries, r.CacheEvictions,
		r.AdapterFallbacks, r.AdapterUnhealthy, r.AdapterPubSubDrops,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
