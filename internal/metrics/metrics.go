// Package metrics defines the orchestrator's instrumentation sink. Hot paths
// record through the Sink interface; production wires the Prometheus
// implementation, tests and library consumers use the no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives orchestration measurements.
type Sink interface {
	TaskDispatched(agent string)
	TaskElapsed(agent string, elapsedMS int64)
	RetryScheduled(agent string)
	QualityGateDecision(granted bool)
	OscillationDetected()
	WaveElapsed(elapsedMS int64)
	MissionElapsed(elapsedMS int64)
}

// NoopSink discards all measurements.
type NoopSink struct{}

func (NoopSink) TaskDispatched(string)        {}
func (NoopSink) TaskElapsed(string, int64)    {}
func (NoopSink) RetryScheduled(string)        {}
func (NoopSink) QualityGateDecision(bool)     {}
func (NoopSink) OscillationDetected()         {}
func (NoopSink) WaveElapsed(int64)            {}
func (NoopSink) MissionElapsed(int64)         {}

var _ Sink = NoopSink{}

// PrometheusSink records measurements into a prometheus registry.
type PrometheusSink struct {
	registry      *prometheus.Registry
	dispatchTotal *prometheus.CounterVec
	gateTotal     *prometheus.CounterVec
	retryTotal    *prometheus.CounterVec
	oscillations  prometheus.Counter
	taskElapsed   *prometheus.HistogramVec
	waveElapsed   prometheus.Histogram
	missionTotal  prometheus.Histogram
}

// NewPrometheusSink creates a sink with its own registry.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	s := &PrometheusSink{
		registry: reg,
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldmind_dispatch_total",
			Help: "Task attempts dispatched, by agent role.",
		}, []string{"agent"}),
		gateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldmind_quality_gate_decisions_total",
			Help: "Quality gate decisions, by outcome.",
		}, []string{"granted"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worldmind_retry_total",
			Help: "Retries scheduled by the quality gate, by agent role.",
		}, []string{"agent"}),
		oscillations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worldmind_oscillation_detected_total",
			Help: "Missions aborted by the wave oscillation detector.",
		}),
		taskElapsed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worldmind_task_elapsed_ms",
			Help:    "Wall time of one task attempt in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 12),
		}, []string{"agent"}),
		waveElapsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worldmind_wave_elapsed_ms",
			Help:    "Wall time of one wave in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 14),
		}),
		missionTotal: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "worldmind_mission_elapsed_ms",
			Help:    "Wall time of one mission in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10000, 2, 12),
		}),
	}
	reg.MustRegister(s.dispatchTotal, s.gateTotal, s.retryTotal, s.oscillations,
		s.taskElapsed, s.waveElapsed, s.missionTotal)
	return s
}

// Handler exposes the registry for scraping.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) TaskDispatched(agent string) {
	s.dispatchTotal.WithLabelValues(agent).Inc()
}

func (s *PrometheusSink) TaskElapsed(agent string, elapsedMS int64) {
	s.taskElapsed.WithLabelValues(agent).Observe(float64(elapsedMS))
}

func (s *PrometheusSink) RetryScheduled(agent string) {
	s.retryTotal.WithLabelValues(agent).Inc()
}

func (s *PrometheusSink) QualityGateDecision(granted bool) {
	label := "false"
	if granted {
		label = "true"
	}
	s.gateTotal.WithLabelValues(label).Inc()
}

func (s *PrometheusSink) OscillationDetected() {
	s.oscillations.Inc()
}

func (s *PrometheusSink) WaveElapsed(elapsedMS int64) {
	s.waveElapsed.Observe(float64(elapsedMS))
}

func (s *PrometheusSink) MissionElapsed(elapsedMS int64) {
	s.missionTotal.Observe(float64(elapsedMS))
}

var _ Sink = (*PrometheusSink)(nil)
