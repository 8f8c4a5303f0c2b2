// Package metrics exposes the Prometheus instrumentation points for the
// consensus core. Formatting/exposition (the /metrics HTTP handler) is
// the excluded administration façade; this package only registers and
// updates the gauges/counters/histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric the consensus core updates.
type Metrics struct {
	termGauge         *prometheus.GaugeVec
	votesReceived     *prometheus.CounterVec
	commitIndexGauge  *prometheus.GaugeVec
	lastAppliedGauge  *prometheus.GaugeVec
	electionsTotal    *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messageLatency    *prometheus.HistogramVec
	gossipRounds      *prometheus.CounterVec
	gossipFanoutSize  prometheus.Histogram
	proposalsTotal    *prometheus.CounterVec
	proposalErrors    *prometheus.CounterVec
	crdtMergesTotal   *prometheus.CounterVec
	stateWritesTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics registers and returns a fresh metrics instance. Each call
// creates its own collectors on a registry of its own, so multiple nodes
// in one process (as the test suite runs them) do not collide.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	promauto := promauto.With(registry)
	return &Metrics{
		registry: registry,

		termGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consensus_current_term",
			Help: "Current term observed by each node.",
		}, []string{"node_id"}),

		votesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_votes_received_total",
			Help: "Votes received by a candidate, by term.",
		}, []string{"node_id"}),

		commitIndexGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consensus_commit_index",
			Help: "Highest log index known committed.",
		}, []string{"node_id"}),

		lastAppliedGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consensus_last_applied_index",
			Help: "Highest log index applied to the state machine.",
		}, []string{"node_id"}),

		electionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_elections_total",
			Help: "Elections started, by outcome.",
		}, []string{"node_id", "outcome"}),

		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_messages_sent_total",
			Help: "Consensus messages sent, by type.",
		}, []string{"node_id", "type"}),

		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_messages_received_total",
			Help: "Consensus messages received, by type.",
		}, []string{"node_id", "type"}),

		messageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consensus_message_round_trip_seconds",
			Help:    "RPC round-trip latency, by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		gossipRounds: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gossip_rounds_total",
			Help: "Gossip dissemination rounds performed.",
		}, []string{"node_id"}),

		gossipFanoutSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gossip_fanout_targets",
			Help:    "Number of peers targeted per gossip round.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		proposalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_proposals_total",
			Help: "Propose() calls, by outcome.",
		}, []string{"node_id", "outcome"}),

		proposalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_proposal_errors_total",
			Help: "Propose() failures, by error code.",
		}, []string{"node_id", "code"}),

		crdtMergesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crdt_merges_total",
			Help: "CRDT merge operations performed, by type.",
		}, []string{"crdt_type"}),

		stateWritesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "state_writes_total",
			Help: "State manager writes, by consistency mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
}

func (m *Metrics) SetCurrentTerm(nodeID string, term uint64) {
	m.termGauge.WithLabelValues(nodeID).Set(float64(term))
}

func (m *Metrics) IncVotesReceived(nodeID string) {
	m.votesReceived.WithLabelValues(nodeID).Inc()
}

func (m *Metrics) SetCommitIndex(nodeID string, index uint64) {
	m.commitIndexGauge.WithLabelValues(nodeID).Set(float64(index))
}

func (m *Metrics) SetLastApplied(nodeID string, index uint64) {
	m.lastAppliedGauge.WithLabelValues(nodeID).Set(float64(index))
}

func (m *Metrics) RecordElection(nodeID, outcome string) {
	m.electionsTotal.WithLabelValues(nodeID, outcome).Inc()
}

func (m *Metrics) RecordMessageSent(nodeID, msgType string) {
	m.messagesSent.WithLabelValues(nodeID, msgType).Inc()
}

func (m *Metrics) RecordMessageReceived(nodeID, msgType string) {
	m.messagesReceived.WithLabelValues(nodeID, msgType).Inc()
}

func (m *Metrics) ObserveMessageLatency(msgType string, d time.Duration) {
	m.messageLatency.WithLabelValues(msgType).Observe(d.Seconds())
}

func (m *Metrics) RecordGossipRound(nodeID string, fanout int) {
	m.gossipRounds.WithLabelValues(nodeID).Inc()
	m.gossipFanoutSize.Observe(float64(fanout))
}

func (m *Metrics) RecordProposal(nodeID, outcome string) {
	m.proposalsTotal.WithLabelValues(nodeID, outcome).Inc()
}

func (m *Metrics) RecordProposalError(nodeID, code string) {
	m.proposalErrors.WithLabelValues(nodeID, code).Inc()
}

func (m *Metrics) RecordCRDTMerge(crdtType string) {
	m.crdtMergesTotal.WithLabelValues(crdtType).Inc()
}

func (m *Metrics) RecordStateWrite(mode, outcome string) {
	m.stateWritesTotal.WithLabelValues(mode, outcome).Inc()
}

// GetRegistry returns the prometheus registry backing these metrics.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return m.registry
}
