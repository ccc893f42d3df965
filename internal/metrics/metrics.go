// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the receive and query paths update.
type Metrics struct {
	registry *prometheus.Registry

	AssociationsAccepted prometheus.Counter
	AssociationsRejected *prometheus.CounterVec
	AssociationsActive   prometheus.Gauge

	ObjectsCommitted prometheus.Counter
	ObjectsDuplicate prometheus.Counter
	ObjectsRejected  *prometheus.CounterVec

	RenderDecodes   prometheus.Counter
	RenderCacheHits prometheus.Counter
	ReformatServed  prometheus.Counter
}

// New constructs and registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		AssociationsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_associations_accepted_total",
			Help: "Associations accepted after negotiation.",
		}),
		AssociationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pacscore_associations_rejected_total",
			Help: "Associations rejected, by reason.",
		}, []string{"reason"}),
		AssociationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pacscore_associations_active",
			Help: "Currently established associations.",
		}),
		ObjectsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_objects_committed_total",
			Help: "Objects durably committed.",
		}),
		ObjectsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_objects_duplicate_total",
			Help: "Duplicate receptions acknowledged as success no-ops.",
		}),
		ObjectsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pacscore_objects_rejected_total",
			Help: "Objects rejected, by failure class.",
		}, []string{"class"}),
		RenderDecodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_render_decodes_total",
			Help: "Pixel decodes performed by the rendering pipeline.",
		}),
		RenderCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_render_cache_hits_total",
			Help: "Render requests served from cache.",
		}),
		ReformatServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pacscore_reformat_served_total",
			Help: "Reformatted planes served.",
		}),
	}
	reg.MustRegister(
		m.AssociationsAccepted, m.AssociationsRejected, m.AssociationsActive,
		m.ObjectsCommitted, m.ObjectsDuplicate, m.ObjectsRejected,
		m.RenderDecodes, m.RenderCacheHits, m.ReformatServed,
	)
	return m
}

// Handler returns the scrape endpoint for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
