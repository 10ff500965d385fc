// Package metrics holds the Prometheus collectors for the ledger engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "ledgersync"

// Metrics is the set of engine collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Mutations counts optimistic local writes.
	Mutations *prometheus.CounterVec
	// RemoteFailures counts failed outbox deliveries.
	RemoteFailures *prometheus.CounterVec
	// Reconciled counts temporary identities replaced by server identities.
	Reconciled *prometheus.CounterVec
	// OutboxPending is the number of remote writes waiting for delivery.
	OutboxPending prometheus.Gauge
	// OutboxDead is the number of remote writes that gave up.
	OutboxDead prometheus.Gauge
	// SyncDuration observes full resync runs.
	SyncDuration prometheus.Histogram
	// SyncFailures counts collections whose fetch failed during a resync.
	SyncFailures *prometheus.CounterVec
}

// New registers the collectors with reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Total number of optimistic local writes",
			},
			[]string{"collection", "kind"},
		),
		RemoteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_failures_total",
				Help:      "Total number of failed remote write attempts",
			},
			[]string{"collection", "kind"},
		),
		Reconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_total",
				Help:      "Total number of temporary identities replaced by server identities",
			},
			[]string{"collection"},
		),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Number of remote writes waiting for delivery",
		}),
		OutboxDead: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_dead",
			Help:      "Number of remote writes that exhausted their retries",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full resync runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		SyncFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_collection_failures_total",
				Help:      "Total number of collection fetches that failed during resync",
			},
			[]string{"collection"},
		),
	}
}

func (m *Metrics) Mutation(collection, kind string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) RemoteFailure(collection, kind string) {
	if m == nil {
		return
	}
	m.RemoteFailures.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) Reconcile(collection string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(collection).Inc()
}

// Outbox sets the outbox gauges.
func (m *Metrics) Outbox(pending, dead int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(pending))
	m.OutboxDead.Set(float64(dead))
}

// Sync records one resync run and the collections that failed in it.
func (m *Metrics) Sync(d time.Duration, failed []string) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
	for _, c := range failed {
		m.SyncFailures.WithLabelValues(c).Inc()
	}
}
