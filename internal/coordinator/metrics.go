package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "coordinator",
			Name:      "sessions_total",
			Help:      "Generation sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	stuckTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visiond",
			Subsystem: "coordinator",
			Name:      "stuck_engine_total",
			Help:      "Submissions refused because the engine ignored cancellation",
		},
	)

	ttftMillis = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visiond",
			Subsystem: "coordinator",
			Name:      "ttft_milliseconds",
			Help:      "Time to first token of completed generations",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal, stuckTotal, ttftMillis)
}
