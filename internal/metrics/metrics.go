// Package metrics exposes gateway and negotiation counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can run
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audiolink"

// Transaction outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
)

type Metrics struct {
	transactions        *prometheus.CounterVec
	transactionDuration prometheus.Histogram
	pending             prometheus.Gauge
	dropped             prometheus.Counter
	keepalives          *prometheus.CounterVec
	peerTransitions     *prometheus.CounterVec
	peersActive         prometheus.Gauge
	violations          *prometheus.CounterVec
	relayEvents         *prometheus.CounterVec
}

// New registers all collectors in reg. Use prometheus.NewRegistry() per
// process (or per test) so repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "transactions_total",
			Help:      "Gateway transactions by request kind and outcome.",
		}, []string{"kind", "outcome"}),
		transactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "transaction_duration_seconds",
			Help:      "Time from request write to matched reply.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "pending_transactions",
			Help:      "Transactions waiting for a reply.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "unmatched_messages_total",
			Help:      "Inbound gateway messages with no pending transaction.",
		}),
		keepalives: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "keepalives_total",
			Help:      "Keepalive requests by outcome.",
		}, []string{"outcome"}),
		peerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "peer_transitions_total",
			Help:      "Peer negotiation state transitions.",
		}, []string{"from_state", "to_state"}),
		peersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "peers_active",
			Help:      "Peer connections currently tracked.",
		}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "protocol_violations_total",
			Help:      "Relay messages dropped as out of state.",
		}, []string{"event"}),
		relayEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "relay_events_total",
			Help:      "Relay events by direction and name.",
		}, []string{"direction", "event"}),
	}
}

func (m *Metrics) TransactionDone(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, outcome).Inc()
	if outcome == OutcomeOK {
		m.transactionDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) PendingInc() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) PendingSub(n int) {
	if m == nil {
		return
	}
	m.pending.Sub(float64(n))
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Keepalive(outcome string) {
	if m == nil {
		return
	}
	m.keepalives.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PeerTransition(from, to string) {
	if m == nil {
		return
	}
	m.peerTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) PeersActive(n int) {
	if m == nil {
		return
	}
	m.peersActive.Set(float64(n))
}

func (m *Metrics) ProtocolViolation(event string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(event).Inc()
}

func (m *Metrics) RelayEvent(direction, event string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(direction, event).Inc()
}
