package ai

import (
	"context"
	"time"

	"geminichat/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer(telemetry.InstrumentationName)
	meter  = otel.Meter(telemetry.InstrumentationName)

	requestDuration, _ = meter.Float64Histogram("ai.request.duration",
		metric.WithDescription("Latency of model calls"),
		metric.WithUnit("s"))
	requestErrors, _ = meter.Int64Counter("ai.request.errors",
		metric.WithDescription("Failed model calls by kind"))
)

// observe starts timing a model call; the returned func records the outcome.
func observe(ctx context.Context, provider, op string) func(error) {
	start := time.Now()
	return func(err error) {
		attrs := []attribute.KeyValue{
			attribute.String("ai.provider", provider),
			attribute.String("ai.op", op),
			attribute.Bool("ai.success", err == nil),
		}
		requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			requestErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("ai.provider", provider),
				attribute.String("ai.error_kind", string(Classify(err))),
			))
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
