package telemetry

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives finished events. Emit must not block; slow consumers
// buffer internally.
type Sink interface {
	Emit(Event)
}

var (
	pipelineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_pipeline_events_total",
			Help: "Pipeline lifecycle events by phase and kind",
		},
		[]string{"phase", "kind"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lectern_phase_duration_seconds",
			Help:    "Wall-clock duration of completed pipeline phases",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"phase"},
	)

	phaseRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lectern_phase_retries_total",
			Help: "Retries consumed before a phase concluded",
		},
		[]string{"phase"},
	)
)

// SlogSink logs every event; terminal events at info, the rest at debug.
type SlogSink struct{}

func (SlogSink) Emit(e Event) {
	args := []any{
		"phase", e.Phase,
		"lecture", e.LectureID,
		"phase_id", e.PhaseID,
	}
	if e.RetriesCount > 0 {
		args = append(args, "retries", e.RetriesCount)
	}
	if e.ErrorCode != "" {
		args = append(args, "code", e.ErrorCode)
	}

	switch e.Kind {
	case KindSuccess:
		slog.Info("pipeline phase succeeded", args...)
	case KindFailed:
		slog.Warn("pipeline phase failed", args...)
	default:
		slog.Debug("pipeline phase "+string(e.Kind), args...)
	}
}

// PromSink mirrors events into process metrics.
type PromSink struct{}

func (PromSink) Emit(e Event) {
	pipelineEvents.WithLabelValues(string(e.Phase), string(e.Kind)).Inc()
	if e.Kind == KindSuccess || e.Kind == KindFailed {
		if e.Elapsed > 0 {
			phaseDuration.WithLabelValues(string(e.Phase)).Observe(e.Elapsed)
		}
		if e.RetriesCount > 0 {
			phaseRetries.WithLabelValues(string(e.Phase)).Add(float64(e.RetriesCount))
		}
	}
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
