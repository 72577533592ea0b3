// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus telemetry for the message-delivery path.
// A nil *Metrics is valid and records nothing.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bus collectors.
type Metrics struct {
	MessagesSent      prometheus.Counter
	Deliveries        prometheus.Counter
	Receives          *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	TransactionsAbort *prometheus.CounterVec
	PoolAllocated     prometheus.Gauge
	PeersConnected    prometheus.Gauge
}

// NewMetrics registers the bus collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "bus_messages_sent_total",
			Help: "Committed send transactions",
		}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Name: "bus_deliveries_total",
			Help: "Queue entries committed across all destinations",
		}),
		Receives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_receives_total",
			Help: "Receive calls by result",
		}, []string{"result"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_messages_dropped_total",
			Help: "Messages discarded after dequeue or by reset",
		}, []string{"reason"}),
		TransactionsAbort: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_transactions_aborted_total",
			Help: "Send transactions rolled back",
		}, []string{"reason"}),
		PoolAllocated: f.NewGauge(prometheus.GaugeOpts{
			Name: "bus_pool_allocated_bytes",
			Help: "Bytes held by live slices across all pools",
		}),
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "bus_peers_connected",
			Help: "Peers registered in the domain",
		}),
	}
}

// Sent records one committed transaction with n deliveries.
func (m *Metrics) Sent(n int) {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
	m.Deliveries.Add(float64(n))
}

// Received records the outcome of one receive call.
func (m *Metrics) Received(result string) {
	if m == nil {
		return
	}
	m.Receives.WithLabelValues(result).Inc()
}

// Dropped records n lost messages.
func (m *Metrics) Dropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Add(float64(n))
}

// Aborted records one rolled back transaction.
func (m *Metrics) Aborted(reason string) {
	if m == nil {
		return
	}
	m.TransactionsAbort.WithLabelValues(reason).Inc()
}

// PoolDelta adjusts the allocated-bytes gauge.
func (m *Metrics) PoolDelta(delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.PoolAllocated.Add(float64(delta))
}

// PeerDelta adjusts the connected-peers gauge.
func (m *Metrics) PeerDelta(delta int) {
	if m == nil {
		return
	}
	m.PeersConnected.Add(float64(delta))
}
