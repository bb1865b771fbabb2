package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	framesProduced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "pipeline",
			Name:      "frames_produced_total",
			Help:      "Frames received from the attached source",
		},
	)

	framesAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "pipeline",
			Name:      "frames_admitted_total",
			Help:      "Frames that passed admission onto the analysis path",
		},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Frames kept off the analysis path, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(framesProduced, framesAdmitted, framesDropped)
}
