package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Register(reg)

	m.Operation("vote", "ok")
	m.Operation("vote", "ok")
	m.Operation("vote", "already_voted")
	m.Vote("approve")
	m.SetProposals(3)

	assert.InDelta(t, 2, testutil.ToFloat64(m.operations.WithLabelValues("vote", "ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operations.WithLabelValues("vote", "already_voted")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.votes.WithLabelValues("approve")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.proposals), 0)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Register(prometheus.NewRegistry())
	m.Operation("get", "ok")
	m.Vote("pass")
	m.SetProposals(1)

	unregistered := New(nil)
	unregistered.Operation("get", "ok")
}
