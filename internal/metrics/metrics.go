// Package metrics records what sync passes do. Counters live on a private
// registry so tests and the CLI can gather or push them independently.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "rssreader"

// Sync outcomes used as the "result" label.
const (
	ResultOK           = "ok"
	ResultFetchError   = "fetch_error"
	ResultParseError   = "parse_error"
	ResultStorageError = "storage_error"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	syncs      *prometheus.CounterVec
	inserted   prometheus.Counter
	skipped    prometheus.Counter
	itemErrors *prometheus.CounterVec
	duration   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Feed synchronization passes by result.",
		}, []string{"result"}),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_inserted_total",
			Help:      "Entries stored by synchronization.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_skipped_total",
			Help:      "Items skipped because an entry with the same url already exists.",
		}),
		itemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_errors_total",
			Help:      "Items rejected during synchronization by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of one synchronization pass.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	m.registry.MustRegister(m.syncs, m.inserted, m.skipped, m.itemErrors, m.duration)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSync records one finished pass.
func (m *Metrics) ObserveSync(result string, inserted, skipped int, took time.Duration) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
	m.inserted.Add(float64(inserted))
	m.skipped.Add(float64(skipped))
	m.duration.Observe(took.Seconds())
}

func (m *Metrics) ItemError(reason string) {
	if m == nil {
		return
	}
	m.itemErrors.WithLabelValues(reason).Inc()
}

// Push sends the current values to a Prometheus Pushgateway.
func (m *Metrics) Push(url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).Push(); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
