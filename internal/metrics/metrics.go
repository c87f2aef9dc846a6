// Package metrics exposes Prometheus instrumentation for the consensus and
// mempool engines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the counters, gauges and histograms both engines report
// to. Construct once per process and pass by reference to each engine.
type Metrics struct {
	QuorumCertificates *prometheus.CounterVec
	Votes              *prometheus.CounterVec
	CutQueryLatency    prometheus.Histogram
	LaneBytes          *prometheus.GaugeVec
	ViewChanges        prometheus.Counter
	CommittedSlots     prometheus.Counter
}

// New registers and returns a fresh Metrics set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QuorumCertificates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bftcore",
			Subsystem: "consensus",
			Name:      "quorum_certificates_total",
			Help:      "Quorum certificates produced, by marker (prepare/confirm/timeout).",
		}, []string{"marker"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bftcore",
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Votes received, by kind (prepare_vote/confirm_ack/timeout).",
		}, []string{"kind"}),
		CutQueryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bftcore",
			Subsystem: "consensus",
			Name:      "cut_query_latency_seconds",
			Help:      "Latency of QueryNewCut calls from consensus to mempool.",
			Buckets:   prometheus.DefBuckets,
		}),
		LaneBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bftcore",
			Subsystem: "mempool",
			Name:      "lane_cumulative_bytes",
			Help:      "Current cumulative byte size of each lane's tip.",
		}, []string{"lane_id"}),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bftcore",
			Subsystem: "consensus",
			Name:      "view_changes_total",
			Help:      "Total view-change events (timeout-driven).",
		}),
		CommittedSlots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bftcore",
			Subsystem: "consensus",
			Name:      "committed_slots_total",
			Help:      "Total slots committed.",
		}),
	}

	reg.MustRegister(m.QuorumCertificates, m.Votes, m.CutQueryLatency, m.LaneBytes, m.ViewChanges, m.CommittedSlots)
	return m
}

// NewForTests returns a Metrics set registered on a fresh, private registry
// so concurrent test packages never collide on Prometheus's default
// registry.
func NewForTests() *Metrics {
	return New(prometheus.NewRegistry())
}
