package stt

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-stt/internal/stt"

type pipelineMetrics struct {
	frames       metric.Int64Counter
	decodeMillis metric.Float64Histogram
	flushes      metric.Int64Counter
	timeouts     metric.Int64Counter
	engineErrors metric.Int64Counter
	workers      metric.Int64UpDownCounter
	tracer       trace.Tracer
}

// newPipelineMetrics never fails; instruments that cannot be created fall
// back to no-ops and a warning is logged.
func newPipelineMetrics(logger *slog.Logger) *pipelineMetrics {
	meter := otel.Meter(instrumentationName)
	m := &pipelineMetrics{tracer: otel.Tracer(instrumentationName)}
	var err error
	if m.frames, err = meter.Int64Counter("loqa.stt.frames", metric.WithDescription("Audio frames processed")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.frames"), slogError(err))
	}
	if m.decodeMillis, err = meter.Float64Histogram("loqa.stt.decode.duration", metric.WithDescription("Engine decode latency"), metric.WithUnit("ms")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.decode.duration"), slogError(err))
	}
	if m.flushes, err = meter.Int64Counter("loqa.stt.flushes", metric.WithDescription("Result boundaries signalled downstream")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.flushes"), slogError(err))
	}
	if m.timeouts, err = meter.Int64Counter("loqa.stt.sentence_timeouts", metric.WithDescription("Sentence timeouts")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.sentence_timeouts"), slogError(err))
	}
	if m.engineErrors, err = meter.Int64Counter("loqa.stt.engine.errors", metric.WithDescription("Transient engine session failures")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.engine.errors"), slogError(err))
	}
	if m.workers, err = meter.Int64UpDownCounter("loqa.stt.workers", metric.WithDescription("Active session workers")); err != nil {
		logger.Warn("failed to create metric", slog.String("metric", "loqa.stt.workers"), slogError(err))
	}
	return m
}

func (m *pipelineMetrics) frame(ctx context.Context, mode SpeechMode) {
	if m.frames != nil {
		m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
	}
}

func (m *pipelineMetrics) decoded(ctx context.Context, final bool, millis float64) {
	if m.decodeMillis != nil {
		m.decodeMillis.Record(ctx, millis, metric.WithAttributes(attribute.Bool("final", final)))
	}
}

func (m *pipelineMetrics) flush(ctx context.Context, kind FlushKind) {
	if m.flushes != nil {
		m.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	}
}

func (m *pipelineMetrics) timeout(ctx context.Context) {
	if m.timeouts != nil {
		m.timeouts.Add(ctx, 1)
	}
}

func (m *pipelineMetrics) engineError(ctx context.Context, engine string) {
	if m.engineErrors != nil {
		m.engineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

func (m *pipelineMetrics) workerDelta(ctx context.Context, delta int64) {
	if m.workers != nil {
		m.workers.Add(ctx, delta)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
