package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "floorline"

// Metrics collects lifecycle counters. It satisfies repository.Observer.
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	abandonments *prometheus.CounterVec
	heartbeats   prometheus.Counter
	requests     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_committed_total",
			Help:      "Status transitions committed, by kind.",
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_rolled_back_total",
			Help:      "Status transitions rolled back, by error code.",
		}, []string{"code"}),
		abandonments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_abandoned_total",
			Help:      "Sessions abandoned, by reason.",
		}, []string{"reason"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats recorded.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by route and status code.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.rollbacks,
		m.abandonments,
		m.heartbeats,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) TransitionCommitted(kind string) {
	m.transitions.WithLabelValues(kind).Inc()
}

func (m *Metrics) TransitionRolledBack(code string) {
	m.rollbacks.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionAbandoned(reason string) {
	m.abandonments.WithLabelValues(reason).Inc()
}

func (m *Metrics) HeartbeatRecorded() {
	m.heartbeats.Inc()
}

// RequestServed counts one API response. route is the registered pattern, not the raw path.
func (m *Metrics) RequestServed(route string, status int) {
	m.requests.WithLabelValues(route, http.StatusText(status)).Inc()
}

// GaugeFunc exposes a value sampled at scrape time. Registering a name again replaces
// the previous sampler.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
	if err := m.registry.Register(gauge); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		m.registry.Unregister(are.ExistingCollector)
		m.registry.MustRegister(gauge)
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
