package outbox

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the package's OpenTelemetry counters. Instrument creation
// errors are ignored; the otel SDK returns usable no-op instruments.
type metrics struct {
	enqueued   metric.Int64Counter
	dispatched metric.Int64Counter
	failed     metric.Int64Counter
	conflicts  metric.Int64Counter
	cleaned    metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("busguard.outbox")
	m := &metrics{}
	m.enqueued, _ = meter.Int64Counter("busguard.outbox.enqueued",
		metric.WithDescription("Messages stored in the outbox"),
		metric.WithUnit("{message}"))
	m.dispatched, _ = meter.Int64Counter("busguard.outbox.dispatched",
		metric.WithDescription("Messages successfully published to the transport"),
		metric.WithUnit("{message}"))
	m.failed, _ = meter.Int64Counter("busguard.outbox.failed",
		metric.WithDescription("Publish attempts that failed"),
		metric.WithUnit("{message}"))
	m.conflicts, _ = meter.Int64Counter("busguard.outbox.conflicts",
		metric.WithDescription("Dispatch attempts aborted on version conflicts"),
		metric.WithUnit("{message}"))
	m.cleaned, _ = meter.Int64Counter("busguard.outbox.cleaned",
		metric.WithDescription("Rows deleted by the cleaner"),
		metric.WithUnit("{message}"))
	return m
}
