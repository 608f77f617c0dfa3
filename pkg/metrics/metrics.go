// Package metrics exports wrtd's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. Each daemon instance gets its own registry,
// so a restart inside the same process starts from a clean set.
type Metrics struct {
	Registry *prometheus.Registry

	Routers       prometheus.Gauge
	Downlinks     *prometheus.GaugeVec
	UplinkUp      prometheus.Gauge
	Events        *prometheus.CounterVec
	PoolEntries   *prometheus.GaugeVec
	PoolReassigns prometheus.Counter
	Restarts      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Routers: f.NewGauge(prometheus.GaugeOpts{
			Name: "wrtd_cascade_routers",
			Help: "Number of routers in the merged cascade view",
		}),
		Downlinks: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wrtd_cascade_downlinks",
				Help: "Registered child routers per bridge",
			},
			[]string{"bridge"},
		),
		UplinkUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "wrtd_cascade_uplink_up",
			Help: "1 while the uplink is registered",
		}),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wrtd_cascade_events_total",
				Help: "Cascade view changes by type and origin",
			},
			[]string{"type", "origin"},
		),
		PoolEntries: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wrtd_prefix_pool_entries",
				Help: "Prefix pool entries by state",
			},
			[]string{"state"},
		),
		PoolReassigns: f.NewCounter(prometheus.CounterOpts{
			Name: "wrtd_prefix_pool_restart_required_total",
			Help: "Exclusion updates that moved an in-use prefix",
		}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "wrtd_restarts_total",
			Help: "In-process restarts after an address plan change",
		}),
	}
}

// SetPool updates the pool gauges.
func (m *Metrics) SetPool(used, unused int) {
	m.PoolEntries.WithLabelValues("used").Set(float64(used))
	m.PoolEntries.WithLabelValues("unused").Set(float64(unused))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
