// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	Refreshes   *prometheus.CounterVec
	UsageEvents prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Name:      "requests_total",
		Help:      "Gateway requests by provider, operation and result code.",
	}, []string{"provider", "operation", "code"})

	m.Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Name:      "token_refreshes_total",
		Help:      "Upstream OAuth token refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	m.UsageEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mailgate",
		Name:      "usage_events_total",
		Help:      "Usage events recorded for entitlement accounting.",
	})

	m.registry.MustRegister(
		m.Requests,
		m.Refreshes,
		m.UsageEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
