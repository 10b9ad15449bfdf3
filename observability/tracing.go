package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/BongHwi/delivery-tracker"

// Tracer wraps OpenTelemetry spans around monitor ticks and callback
// deliveries.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer backed by the global OpenTelemetry provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartMonitorSpan starts a span for one polling tick.
func (t *Tracer) StartMonitorSpan(ctx context.Context, webhookID, carrierID, trackingNumber string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tracker.monitor",
		trace.WithAttributes(
			attribute.String("webhook.id", webhookID),
			attribute.String("carrier.id", carrierID),
			attribute.String("tracking.number", trackingNumber),
		),
	)
}

// EndMonitorSpan ends a monitor span with its outcome.
func (t *Tracer) EndMonitorSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("monitor.outcome", outcome))
	if err != nil {
		span.SetAttributes(attribute.String("monitor.error", err.Error()))
	}
	span.End()
}

// StartDeliverySpan starts a span for one callback POST attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, webhookID, callbackURL string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "tracker.delivery",
		trace.WithAttributes(
			attribute.String("webhook.id", webhookID),
			attribute.String("http.url", callbackURL),
			attribute.Int("delivery.attempt", attempt),
		),
	)
}

// EndDeliverySpan ends a delivery span with result attributes.
func (t *Tracer) EndDeliverySpan(span trace.Span, statusCode int, errMsg string) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if errMsg != "" {
		span.SetAttributes(attribute.String("delivery.error", errMsg))
	}
	span.End()
}
