package transform

import "github.com/prometheus/client_golang/prometheus"

var evalErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "bridge_transform_eval_errors_total",
	Help: "Total number of per-parameter formula evaluation failures",
})

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{evalErrors}
}
