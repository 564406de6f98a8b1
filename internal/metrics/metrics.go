// Package metrics holds packagefsd's Prometheus metrics: how many
// packages and nodes each volume currently carries, and how long
// activation batches take to apply.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PackagesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packagefs_packages_active",
			Help: "Number of activated packages, by volume",
		},
		[]string{"volume"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "packagefs_nodes_total",
			Help: "Number of live VFS nodes in a volume's node table",
		},
		[]string{"volume"},
	)

	ActivationBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packagefs_activation_batch_duration_seconds",
			Help:    "Time to validate, load, and commit an activation batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"volume", "outcome"},
	)

	ActivationBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packagefs_activation_batches_total",
			Help: "Total number of activation batches processed, by outcome",
		},
		[]string{"volume", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(PackagesActive)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ActivationBatchDuration)
	prometheus.MustRegister(ActivationBatchesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight activation batch and records it against
// ActivationBatchDuration/ActivationBatchesTotal on completion.
type Timer struct {
	start  time.Time
	volume string
}

// NewBatchTimer starts timing an activation batch for volumeName.
func NewBatchTimer(volumeName string) *Timer {
	return &Timer{start: time.Now(), volume: volumeName}
}

// ObserveOutcome records the elapsed duration and increments the batch
// counter for the given outcome ("committed", "rejected" or "rolled_back").
func (t *Timer) ObserveOutcome(outcome string) {
	ActivationBatchDuration.WithLabelValues(t.volume, outcome).Observe(time.Since(t.start).Seconds())
	ActivationBatchesTotal.WithLabelValues(t.volume, outcome).Inc()
}
