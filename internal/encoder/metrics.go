package encoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in specific encoder layers
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "utransformer_layer_duration_seconds",
		Help:    "Time spent in specific encoder layers",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type", "device"})

	// ActActiveSteps tracks the mean number of computation steps tokens
	// consumed before halting, observed at finalize time.
	ActActiveSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "utransformer_act_active_steps",
		Help:    "Mean active computation steps per token at ACT finalize",
		Buckets: prometheus.LinearBuckets(1, 1, 16),
	})
)
