package bus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceSubscriber turns bus events into zero-duration OpenTelemetry span
// events, the way the teacher's OTel emitter (graph/emit/otel.go) turns
// node-execution events into spans. It's meant to be subscribed to the
// "workflows" and "workflow:{id}" topics so every status transition shows
// up alongside whatever tracing the collaborating HTTP layer already
// produces for the request that triggered the workflow.
type TraceSubscriber struct {
	tracer trace.Tracer
}

// NewTraceSubscriber creates a TraceSubscriber using the given tracer name.
func NewTraceSubscriber(tracerProvider trace.TracerProvider, tracerName string) *TraceSubscriber {
	if tracerProvider == nil {
		return &TraceSubscriber{tracer: trace.NewNoopTracerProvider().Tracer(tracerName)}
	}
	return &TraceSubscriber{tracer: tracerProvider.Tracer(tracerName)}
}

// Receive implements Subscriber by recording event as a span event on a
// fresh, immediately-ended span. Workflow engines are long-lived relative
// to a single HTTP request, so there is no ambient span to attach to;
// recording a short span per event keeps each transition individually
// queryable without requiring the caller to thread a context through every
// component.
func (t *TraceSubscriber) Receive(event Event) {
	_, span := t.tracer.Start(context.Background(), event.Type)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("beamflow.topic", event.Topic),
		attribute.String("beamflow.event_type", event.Type),
	}
	for k, v := range event.Payload {
		attrs = append(attrs, attribute.String("beamflow.payload."+k, toString(v)))
	}
	span.AddEvent(event.Type, trace.WithAttributes(attrs...))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
