package layers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in each layer's forward pass
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_layer_duration_seconds",
		Help:    "Time spent in a layer forward pass",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"layer_type", "backend"})
)
