package inbox

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the package's OpenTelemetry counters. Instrument creation
// errors are ignored; the otel SDK returns usable no-op instruments.
type metrics struct {
	stored       metric.Int64Counter
	deduplicated metric.Int64Counter
	consumed     metric.Int64Counter
	failed       metric.Int64Counter
	conflicts    metric.Int64Counter
	ignored      metric.Int64Counter
	cleaned      metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("busguard.inbox")
	m := &metrics{}
	m.stored, _ = meter.Int64Counter("busguard.inbox.stored",
		metric.WithDescription("Inbound messages recorded in the inbox"),
		metric.WithUnit("{message}"))
	m.deduplicated, _ = meter.Int64Counter("busguard.inbox.deduplicated",
		metric.WithDescription("Redeliveries dropped because the row was already processed"),
		metric.WithUnit("{message}"))
	m.consumed, _ = meter.Int64Counter("busguard.inbox.consumed",
		metric.WithDescription("Handler executions that succeeded"),
		metric.WithUnit("{message}"))
	m.failed, _ = meter.Int64Counter("busguard.inbox.failed",
		metric.WithDescription("Handler executions that failed"),
		metric.WithUnit("{message}"))
	m.conflicts, _ = meter.Int64Counter("busguard.inbox.conflicts",
		metric.WithDescription("Attempts aborted on version conflicts"),
		metric.WithUnit("{message}"))
	m.ignored, _ = meter.Int64Counter("busguard.inbox.ignored",
		metric.WithDescription("Failed rows marked ignored after their retry window expired"),
		metric.WithUnit("{message}"))
	m.cleaned, _ = meter.Int64Counter("busguard.inbox.cleaned",
		metric.WithDescription("Rows deleted by the cleaner"),
		metric.WithUnit("{message}"))
	return m
}
