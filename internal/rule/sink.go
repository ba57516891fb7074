package rule

import (
	"math"

	"github.com/rs/zerolog"

	"averagerule/internal/metrics"
)

// DeviationEvent describes an evaluation that crossed the threshold.
type DeviationEvent struct {
	Asset     string
	DataPoint string
	Value     float64
	Average   float64
	Deviation float64
}

// Sink receives diagnostics from the evaluator.
type Sink interface {
	Deviation(ev DeviationEvent)
}

// LogSink reports triggered deviations as warnings and records them in the
// rule metrics.
type LogSink struct {
	Log zerolog.Logger
}

// NewLogSink returns a sink writing to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{Log: log}
}

func (s *LogSink) Deviation(ev DeviationEvent) {
	s.Log.Warn().
		Float64("deviation", ev.Deviation).
		Str("asset", ev.Asset).
		Str("datapoint", ev.DataPoint).
		Float64("value", ev.Value).
		Float64("average", ev.Average).
		Msgf("deviation of %.1f%% detected", ev.Deviation)

	metrics.RuleTriggeredTotal.WithLabelValues(ev.Asset, ev.DataPoint).Inc()
	if !math.IsInf(ev.Deviation, 0) && !math.IsNaN(ev.Deviation) {
		metrics.RuleDeviationPercent.Observe(math.Abs(ev.Deviation))
	}
}

type nopSink struct{}

func (nopSink) Deviation(DeviationEvent) {}

// Sinks fans diagnostics out to several sinks in order.
type Sinks []Sink

func (s Sinks) Deviation(ev DeviationEvent) {
	for _, sink := range s {
		sink.Deviation(ev)
	}
}
