package memory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce sync.Once

	updatesTotalCounter  prometheus.Counter
	storeErrorsCounter   prometheus.Counter
	droppedWritesCounter prometheus.Counter
)

// initMetrics registers memory metrics once globally, preventing duplicate
// collector registration panics when multiple registries are created.
func initMetrics() {
	metricsOnce.Do(func() {
		updatesTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "chaind_memory_updates_total",
			Help: "Total number of effectiveness memory updates",
		})
		storeErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "chaind_memory_store_errors_total",
			Help: "Total number of durable memory store failures (absorbed)",
		})
		droppedWritesCounter = promauto.NewCounter(prometheus.CounterOpts{
			Name: "chaind_memory_dropped_writes_total",
			Help: "Total number of durable writes dropped due to backlog",
		})
	})
}

func updatesTotal() prometheus.Counter {
	initMetrics()
	return updatesTotalCounter
}

func storeErrors() prometheus.Counter {
	initMetrics()
	return storeErrorsCounter
}

func droppedWrites() prometheus.Counter {
	initMetrics()
	return droppedWritesCounter
}
