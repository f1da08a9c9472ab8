package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveDispatch(RouteLocal, false, time.Millisecond)
	m.ObserveDispatch(RouteLocal, false, time.Millisecond)
	m.ObserveDispatch(RouteDenied, true, time.Millisecond)
	m.SetSubscribers(3)
	m.IncRestart("VPROV", "default")
	m.SetHealthy("VPROV", "default", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues(RouteLocal, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues(RouteDenied, "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerRestarts.WithLabelValues("VPROV", "default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerHealthy.WithLabelValues("VPROV", "default")))
}

func TestMetrics_ReuseRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.SetSubscribers(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(second.subscribers))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDispatch(RouteLocal, false, time.Second)
		m.SetSubscribers(1)
		m.SetRunning("actor", 1)
		m.IncRestart("p", "l")
		m.SetHealthy("p", "l", false)
		m.ForgetProvider("p", "l")
		m.IncEvent("actor_started", false)
	})
}
