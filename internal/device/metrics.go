package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utransformer_tensor_pool_hits_total",
		Help: "Total number of pooled tensor retrievals that reused a buffer",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utransformer_tensor_pool_misses_total",
		Help: "Total number of pooled tensor retrievals that allocated",
	})
)
