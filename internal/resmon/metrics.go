package resmon

import "github.com/prometheus/client_golang/prometheus"

var (
	residentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "resmon",
		Name:      "resident_bytes",
		Help:      "Resident memory of the process in bytes",
	})

	usedFractionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "resmon",
		Name:      "used_fraction",
		Help:      "Fraction of physical memory in use by the process",
	})

	bandGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "resmon",
		Name:      "band",
		Help:      "Memory pressure band (0=low 1=medium 2=high 3=critical)",
	})
)

func init() {
	prometheus.MustRegister(residentGauge, usedFractionGauge, bandGauge)
}
