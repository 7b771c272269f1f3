package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry metrics. A nil *Metrics or one that was never registered is
// safe to use and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	votes      *prometheus.CounterVec
	proposals  prometheus.Gauge

	registerOnce sync.Once
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}
	m.Register(reg)
	return m
}

// Register registers the collectors with reg. Nil reg is a no-op; later
// calls after the first registration are no-ops.
func (m *Metrics) Register(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(reg)
		m.operations = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_registry_operations_total",
			Help: "Registry operations by operation and result",
		}, []string{"operation", "result"})
		m.votes = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ballotbox_registry_votes_total",
			Help: "Accepted votes by choice",
		}, []string{"choice"})
		m.proposals = factory.NewGauge(prometheus.GaugeOpts{
			Name: "ballotbox_registry_proposals",
			Help: "Number of stored proposals",
		})
	})
}

func (m *Metrics) Operation(op, result string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Vote(choice string) {
	if m == nil || m.votes == nil {
		return
	}
	m.votes.WithLabelValues(choice).Inc()
}

func (m *Metrics) SetProposals(n uint64) {
	if m == nil || m.proposals == nil {
		return
	}
	m.proposals.Set(float64(n))
}
