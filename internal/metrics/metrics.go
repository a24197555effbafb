// Package metrics provides the structured metric sink every other
// component logs domain events through, using the zap field-builder
// convention (zap.String, zap.Int, ...) rather than a separate metrics
// client library — there is no time-series backend here, only structured
// logs a downstream collector can scrape.
package metrics

import "go.uber.org/zap"

// Field is a single structured key/value pair attached to a metric event.
type Field = zap.Field

// Sink records named metric events with structured fields. Implementations
// must never let a panic from a caller-supplied field escape LogMetric —
// metric emission is fire-and-forget and must not take down the caller.
type Sink interface {
	LogMetric(event string, fields ...Field)
}

// ZapSink logs every metric at Info level through a logger named "metric",
// with the event name as the message and the fields attached as given.
type ZapSink struct {
	log *zap.Logger
}

// NewZapSink builds a Sink backed by log.
func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log.Named("metric")}
}

// LogMetric emits event at Info with fields attached. Recovers any panic
// raised while the fields are encoded, logging a degraded event instead of
// propagating.
func (s *ZapSink) LogMetric(event string, fields ...Field) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("metric emission panicked", zap.String("event", event), zap.Any("recover", r))
		}
	}()
	s.log.Info(event, fields...)
}
