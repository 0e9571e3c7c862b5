package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radix_kernel_launches_total",
		Help: "Total number of kernel launches executed",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "radix_kernel_duration_seconds",
		Help:    "Time spent executing a single kernel launch",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	kernelFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radix_kernel_faults_total",
		Help: "Total number of kernel launches that failed on the device",
	}, []string{"kernel"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radix_transfer_bytes_total",
		Help: "Bytes copied between host and device memory",
	}, []string{"direction"})

	allocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radix_device_allocated_bytes",
		Help: "Current device memory held by live buffers",
	})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radix_buffer_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radix_buffer_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	compileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radix_compile_cache_hits_total",
		Help: "Total number of kernel compilations served from cache",
	})
)
