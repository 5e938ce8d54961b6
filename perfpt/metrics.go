package perfpt

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Blocks        prometheus.Counter
	Fragments     prometheus.Counter
	Events        *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	ImageSections prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hwtracer_perfpt_blocks_total",
			Help: "Total number of logical basic blocks reported",
		}),
		Fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hwtracer_perfpt_fragments_total",
			Help: "Total number of engine block fragments stitched into logical blocks",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtracer_perfpt_events_total",
			Help: "Total number of trace events drained, by event type",
		}, []string{"type"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hwtracer_perfpt_failures_total",
			Help: "Total number of failed decoder calls, by error kind",
		}, []string{"kind"}),
		ImageSections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hwtracer_perfpt_image_sections",
			Help: "Number of sections registered in the most recently built self image",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Blocks,
			m.Fragments,
			m.Events,
			m.Failures,
			m.ImageSections,
		)
	}

	return m
}
