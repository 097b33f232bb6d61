package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics exposes counters/histograms for the offline replay loop.
type SyncMetrics struct {
	attemptsTotal     *prometheus.CounterVec
	permanentFailures *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	passDuration      prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sync",
			Name:      "attempts_total",
			Help:      "Replay attempts by record kind and result",
		}, []string{"kind", "result"}),
		permanentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "sync",
			Name:      "permanent_failures_total",
			Help:      "Queue items dropped after exhausting retries",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "sync",
			Name:      "queue_ready_items",
			Help:      "Ready queue items seen at the start of the last pass",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of auto-sync passes",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attemptsTotal, m.permanentFailures, m.queueDepth, m.passDuration, m.cacheLookups)
	return m
}

func (m *SyncMetrics) ObserveAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(kind, result).Inc()
}

func (m *SyncMetrics) ObservePermanentFailure(kind string) {
	if m == nil {
		return
	}
	m.permanentFailures.WithLabelValues(kind).Inc()
}

func (m *SyncMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *SyncMetrics) ObservePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

func (m *SyncMetrics) ObserveCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// IntakeMetrics tracks replays received by the backend intake API.
type IntakeMetrics struct {
	receivedTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func NewIntakeMetrics(reg prometheus.Registerer) *IntakeMetrics {
	m := &IntakeMetrics{
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "intake",
			Name:      "received_total",
			Help:      "Replayed submissions by kind and outcome",
		}, []string{"kind", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "intake",
			Name:      "request_latency_seconds",
			Help:      "Latency of intake request handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.receivedTotal, m.requestLatency)
	return m
}

func (m *IntakeMetrics) ObserveReceived(kind, outcome string) {
	if m == nil {
		return
	}
	m.receivedTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *IntakeMetrics) ObserveLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(kind).Observe(seconds)
}
