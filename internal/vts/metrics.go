package vts

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_host_connected",
		Help: "Whether the bridge is connected to the puppeteering host (1 or 0)",
	})
	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_host_reconnects_total",
		Help: "Total number of times the host connection was re-established",
	})
	injectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_host_injections_total",
		Help: "Total number of parameter injection requests sent",
	})
	hostErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_host_errors_total",
		Help: "Total number of APIError responses received from the host",
	})
)

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{connectedGauge, reconnectsTotal, injectionsTotal, hostErrorsTotal}
}
