package qcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_query_cache_hits_total",
	Help: "counter of query cache hits",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_query_cache_misses_total",
	Help: "counter of query cache misses",
})

var cacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_query_cache_invalidations_total",
	Help: "counter of cancelled collection invalidation tokens",
})

var cacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "blite_query_cache_bytes",
	Help: "approximate bytes held by the query cache",
})
