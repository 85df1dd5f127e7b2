package tracking

import "github.com/prometheus/client_golang/prometheus"

var (
	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tracking_frames_received_total",
		Help: "Total number of tracking frames decoded from the phone",
	})
	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tracking_frames_dropped_total",
		Help: "Total number of malformed tracking datagrams discarded",
	})
)

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{framesReceived, framesDropped}
}
