// Package metrics exposes Prometheus collectors for the bus, host controller
// and provider supervisors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "latticed"

// Route labels for dispatched invocations.
const (
	RouteLocal   = "local"
	RouteRemote  = "remote"
	RouteDenied  = "denied"
	RouteNoRoute = "no_route"
	RouteDedup   = "dedup"
	RouteInbound = "inbound"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	invocations      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	subscribers      prometheus.Gauge
	runningUnits     *prometheus.GaugeVec
	providerRestarts *prometheus.CounterVec
	providerHealthy  *prometheus.GaugeVec
	events           *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors that are already registered are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		invocations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "invocations_total",
				Help:      "Invocations dispatched by the message bus, by route and result.",
			},
			[]string{"route", "result"},
		)),
		dispatchDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dispatch_duration_seconds",
				Help:      "Time from dispatch to response, by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		)),
		subscribers: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "subscribers",
				Help:      "Number of local subscribers registered with the bus.",
			},
		)),
		runningUnits: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "running_units",
				Help:      "Number of running actors and providers.",
			},
			[]string{"kind"},
		)),
		providerRestarts: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "restarts_total",
				Help:      "Number of times a provider process was respawned.",
			},
			[]string{"provider", "link_name"},
		)),
		providerHealthy: register(reg, prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "healthy",
				Help:      "1 when the provider's last health check passed.",
			},
			[]string{"provider", "link_name"},
		)),
		events: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Lattice events published, by type and result.",
			},
			[]string{"type", "result"},
		)),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveDispatch records one dispatched invocation.
func (m *Metrics) ObserveDispatch(route string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(route, result(failed)).Inc()
	m.dispatchDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetSubscribers sets the local subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// SetRunning sets the number of running units of a kind ("actor" or "provider").
func (m *Metrics) SetRunning(kind string, n int) {
	if m == nil {
		return
	}
	m.runningUnits.WithLabelValues(kind).Set(float64(n))
}

// IncRestart counts a provider respawn.
func (m *Metrics) IncRestart(provider, linkName string) {
	if m == nil {
		return
	}
	m.providerRestarts.WithLabelValues(provider, linkName).Inc()
}

// SetHealthy records the provider's latest health state.
func (m *Metrics) SetHealthy(provider, linkName string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.providerHealthy.WithLabelValues(provider, linkName).Set(v)
}

// ForgetProvider drops per-provider series once a provider is stopped.
func (m *Metrics) ForgetProvider(provider, linkName string) {
	if m == nil {
		return
	}
	m.providerHealthy.DeleteLabelValues(provider, linkName)
}

// IncEvent counts a published event.
func (m *Metrics) IncEvent(eventType string, failed bool) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, result(failed)).Inc()
}

func result(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
