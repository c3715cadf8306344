package worker

import (
	"geminichat/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer(telemetry.InstrumentationName)
	meter  = otel.Meter(telemetry.InstrumentationName)

	sendCounter, _ = meter.Int64Counter("chat.sends",
		metric.WithDescription("Messages dispatched to the model"))
	sendFailures, _ = meter.Int64Counter("chat.send_failures",
		metric.WithDescription("Failed sends by error kind"))
	sendDuration, _ = meter.Float64Histogram("chat.send.duration",
		metric.WithDescription("Time from dispatch to reply"),
		metric.WithUnit("s"))
)
