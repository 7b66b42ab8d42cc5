package hooks

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skryldev/media-recoder/core"
)

// PrometheusMetrics exports recode activity as Prometheus collectors.
type PrometheusMetrics struct {
	stageDuration *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	outputBytes   prometheus.Counter
	bitmapBytes   prometheus.Gauge
}

// NewPrometheusMetrics registers the recoder collectors with reg.  A nil reg
// means prometheus.DefaultRegisterer.  Collectors that are already
// registered are reused, so constructing twice against one registry is safe.
func NewPrometheusMetrics(namespace string, reg prometheus.Registerer) (*PrometheusMetrics, error) {
	if namespace == "" {
		namespace = "media_recoder"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of recode attempts and sessions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Recode stage failures by error category.",
		}, []string{"stage", "category"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Session outcomes and policy actions by recoder kind.",
		}, []string{"kind", "outcome"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Cumulative size of encoded attempt output.",
		}),
		bitmapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_bitmap_bytes",
			Help:      "Size of the most recent output bitmap.",
		}),
	}

	var err error
	if m.stageDuration, err = register(reg, m.stageDuration); err != nil {
		return nil, err
	}
	if m.stageErrors, err = register(reg, m.stageErrors); err != nil {
		return nil, err
	}
	if m.outcomes, err = register(reg, m.outcomes); err != nil {
		return nil, err
	}
	if m.outputBytes, err = register(reg, m.outputBytes); err != nil {
		return nil, err
	}
	if m.bitmapBytes, err = register(reg, m.bitmapBytes); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, returning the existing collector when an
// identical one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

func (m *PrometheusMetrics) RecordProcessingTime(stage string, d interface{ Seconds() float64 }) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordThroughput(bytes int64) {
	if bytes > 0 {
		m.outputBytes.Add(float64(bytes))
	}
}

func (m *PrometheusMetrics) RecordMemory(bytes int64) {
	m.bitmapBytes.Set(float64(bytes))
}

func (m *PrometheusMetrics) RecordError(stage string, category string) {
	m.stageErrors.WithLabelValues(stage, category).Inc()
}

func (m *PrometheusMetrics) RecordOutcome(kind core.SessionKind, outcome string) {
	m.outcomes.WithLabelValues(string(kind), outcome).Inc()
}
