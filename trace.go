package xcomm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTrace writes the active trace context (W3C traceparent et al.) into
// the message headers. Adapters call it immediately before handing an
// envelope to the transport; it mutates Headers in place and never affects
// routing.
func InjectTrace(ctx context.Context, msg *Message) {
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))
}

// ExtractTrace returns ctx with the trace context carried in the message
// headers activated. Adapters call it around each handler invocation so a
// consumer span can parent onto the producer's trace.
func ExtractTrace(ctx context.Context, msg *Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
}
