package chain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce   sync.Once
	globalMetrics *Metrics
)

// Metrics holds Prometheus metrics for chain execution.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	FallbacksTotal     *prometheus.CounterVec
	ScoringFaultsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers chain metrics.
//
// Registration happens once globally via sync.Once to prevent duplicate
// collector registration panics when multiple orchestrators are created.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaind_runs_total",
					Help: "Total number of chain runs by terminal status",
				},
				[]string{"status"}, // "completed" or "halted"
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chaind_stage_duration_seconds",
					Help:    "Duration of stage execution including fallback attempts",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent", "pattern"},
			),
			FallbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaind_fallbacks_total",
					Help: "Total number of fallback substitutions",
				},
				[]string{"agent"},
			),
			ScoringFaultsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chaind_scoring_faults_total",
					Help: "Total number of scoring failures absorbed as zero scores",
				},
				[]string{"metric"},
			),
		}
	})
	return globalMetrics
}
