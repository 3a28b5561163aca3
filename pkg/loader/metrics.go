package loader

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Loads        *prometheus.CounterVec
	Relocations  *prometheus.CounterVec
	LoadedImages *prometheus.GaugeVec
	LoadedBytes  *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prelink_loads_total",
			Help: "Total number of image loads by mode and result",
		}, []string{"mode", "result"}),
		Relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prelink_relocations_applied_total",
			Help: "Total number of relocation entries applied",
		}, []string{"arch"}),
		LoadedImages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prelink_loaded_images",
			Help: "Number of images currently loaded",
		}, []string{"mode"}),
		LoadedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prelink_loaded_bytes",
			Help: "Bytes of memory held by loaded images",
		}, []string{"mode"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Loads,
			m.Relocations,
			m.LoadedImages,
			m.LoadedBytes,
		)
	}

	return m
}
