package tensor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_tensor_pool_hits_total",
		Help: "Total number of tensor allocations served from the pool",
	}, []string{"factory"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_tensor_pool_misses_total",
		Help: "Total number of tensor allocations that hit the allocator",
	}, []string{"factory"})
)
