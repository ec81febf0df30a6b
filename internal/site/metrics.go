package site

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "site",
		Name:      "cache_lookups_total",
		Help:      "Public journal cache lookups by result.",
	}, []string{"result"})

	cacheInvalidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "site",
		Name:      "cache_invalidations_total",
		Help:      "Public journal cache invalidations by source.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(cacheLookups, cacheInvalidations)
}
