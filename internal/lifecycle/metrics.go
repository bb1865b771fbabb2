package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	switchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "lifecycle",
			Name:      "switches_total",
			Help:      "Completed model switches by target variant",
		},
		[]string{"variant"},
	)

	pressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "lifecycle",
			Name:      "pressure_events_total",
			Help:      "Handled (non-debounced) memory pressure triggers",
		},
	)

	recoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "lifecycle",
			Name:      "recoveries_total",
			Help:      "Emergency recovery sequences started",
		},
	)
)

func init() {
	prometheus.MustRegister(switchesTotal, pressureTotal, recoveriesTotal)
}
