package store

import "github.com/prometheus/client_golang/prometheus"

var CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "object_cache",
	Name:      "requests",
}, []string{"cache", "result"})

var CacheBackingFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "object_cache",
	Name:      "backing_fetches",
}, []string{"cache"})

var CacheInflightReuses = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "object_cache",
	Name:      "inflight_reuses",
}, []string{"cache"})

var CachePrefetchedKeys = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ouroboros_model",
	Subsystem: "object_cache",
	Name:      "prefetched_keys",
}, []string{"cache"})

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{CacheRequests, CacheBackingFetches, CacheInflightReuses, CachePrefetchedKeys}
}
