package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics exposes counters/histograms for the visit sync engine.
type SyncMetrics struct {
	mutationsTotal     *prometheus.CounterVec
	mutationLatency    *prometheus.HistogramVec
	cacheReadsTotal    *prometheus.CounterVec
	remoteRequests     *prometheus.CounterVec
	paymentCorrections prometheus.Counter
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "visitsync",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by kind and terminal outcome",
		}, []string{"kind", "outcome"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "visitsync",
			Name:      "mutation_latency_seconds",
			Help:      "Time from optimistic apply to commit or rollback",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		cacheReadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "visitsync",
			Name:      "cache_reads_total",
			Help:      "Entity store reads by result",
		}, []string{"result"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "visitapi",
			Name:      "requests_total",
			Help:      "Remote visit service requests by operation and status class",
		}, []string{"op", "status"}),
		paymentCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "visitsync",
			Name:      "payment_corrections_total",
			Help:      "Backward or same-value payment status writes",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.mutationsTotal, m.mutationLatency, m.cacheReadsTotal, m.remoteRequests, m.paymentCorrections)
	return m
}

func (m *SyncMetrics) ObserveMutation(kind, outcome string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *SyncMetrics) ObserveMutationLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.mutationLatency.WithLabelValues(kind).Observe(seconds)
}

func (m *SyncMetrics) ObserveCacheRead(result string) {
	if m == nil {
		return
	}
	m.cacheReadsTotal.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) ObserveRemoteRequest(op, status string) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(op, status).Inc()
}

func (m *SyncMetrics) ObservePaymentCorrection() {
	if m == nil {
		return
	}
	m.paymentCorrections.Inc()
}
