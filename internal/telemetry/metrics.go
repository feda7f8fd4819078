// Package telemetry exposes the engine's Prometheus metrics.
//
// A nil *Metrics is valid and records nothing, so components can be built without a registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transitions"

// Metric label values for batch outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Metrics holds the engine metrics.
type Metrics struct {
	postingsEmitted     *prometheus.CounterVec
	fanOutTruncated     *prometheus.CounterVec
	seenStateCapReached *prometheus.CounterVec
	snapshotConflicts   prometheus.Counter
	bufferPending       prometheus.Gauge
	queueDepth          prometheus.Gauge
	batches             *prometheus.CounterVec
	persistRetries      prometheus.Counter
	persistDuration     prometheus.Histogram
	postingsApplied     prometheus.Counter
	postingsDuplicate   prometheus.Counter
	syntheticCreated    *prometheus.CounterVec
	superseded          *prometheus.CounterVec
}

// NewMetrics creates the engine metrics and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		postingsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_emitted_total",
			Help:      "Postings produced by the evaluator, by origin.",
		}, []string{"origin"}),
		fanOutTruncated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fan_out_truncated_total",
			Help:      "ANY_SEEN evaluations whose from-set was truncated to the fan-out cap.",
		}, []string{"service", "counter"}),
		seenStateCapReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seen_state_cap_reached_total",
			Help:      "New states not recorded because the seen-state cap was reached.",
		}, []string{"service"}),
		snapshotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_conflicts_total",
			Help:      "Snapshot compare-and-swap conflicts that forced a re-evaluation.",
		}),
		bufferPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pending_postings",
			Help:      "Postings held in the transition buffer awaiting persistence.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Persist jobs submitted but not yet completed.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_batches_total",
			Help:      "Persist batches by outcome.",
		}, []string{"status"}),
		persistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_retries_total",
			Help:      "Persist attempts retried after a transient storage conflict.",
		}),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time to persist one batch, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		postingsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_applied_total",
			Help:      "Postings newly applied to the rollup tables.",
		}),
		postingsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_duplicate_total",
			Help:      "Postings skipped because their id was already applied.",
		}),
		syntheticCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_terminals_created_total",
			Help:      "Synthetic terminal records created by the inference sweep.",
		}, []string{"rule"}),
		superseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_terminals_superseded_total",
			Help:      "Synthetic terminal records superseded by a real terminal event.",
		}, []string{"service"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.postingsEmitted, m.fanOutTruncated, m.seenStateCapReached, m.snapshotConflicts,
		m.bufferPending, m.queueDepth, m.batches, m.persistRetries, m.persistDuration,
		m.postingsApplied, m.postingsDuplicate, m.syntheticCreated, m.superseded,
	}
}

func (m *Metrics) PostingsEmitted(origin string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.postingsEmitted.WithLabelValues(origin).Add(float64(n))
}

func (m *Metrics) FanOutTruncated(service, counter string) {
	if m == nil {
		return
	}
	m.fanOutTruncated.WithLabelValues(service, counter).Inc()
}

func (m *Metrics) SeenStateCapReached(service string) {
	if m == nil {
		return
	}
	m.seenStateCapReached.WithLabelValues(service).Inc()
}

func (m *Metrics) SnapshotConflict() {
	if m == nil {
		return
	}
	m.snapshotConflicts.Inc()
}

func (m *Metrics) SetBufferPending(n int) {
	if m == nil {
		return
	}
	m.bufferPending.Set(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordBatch records one persist batch outcome and its duration.
func (m *Metrics) RecordBatch(applied, duplicates int, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
	}
	m.batches.WithLabelValues(status).Inc()
	m.persistDuration.Observe(took.Seconds())
	if err == nil {
		m.postingsApplied.Add(float64(applied))
		m.postingsDuplicate.Add(float64(duplicates))
	}
}

func (m *Metrics) PersistRetry() {
	if m == nil {
		return
	}
	m.persistRetries.Inc()
}

func (m *Metrics) SyntheticCreated(ruleID string) {
	if m == nil {
		return
	}
	m.syntheticCreated.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) Superseded(service string) {
	if m == nil {
		return
	}
	m.superseded.WithLabelValues(service).Inc()
}
