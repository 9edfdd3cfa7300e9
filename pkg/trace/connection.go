package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentSession creates the root span of one call.
func InstrumentSession(ctx context.Context, sessionID, streamSid, callSid, direction, mode string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(CallAttrs(sessionID, streamSid, callSid, direction, mode)...),
	)
}

// InstrumentTurn creates a span for one assistant turn.
func InstrumentTurn(ctx context.Context, sessionID, turnID, kind string) (context.Context, trace.Span) {
	attrs := SessionAttrs(sessionID)
	attrs = append(attrs,
		attribute.String(AttrTurnID, turnID),
		attribute.String(AttrTurnKind, kind),
	)
	return StartSpan(ctx, "relay.turn", trace.WithAttributes(attrs...))
}

// InstrumentCarrierEvent records a carrier control event on the current span.
func InstrumentCarrierEvent(ctx context.Context, event string, attrs ...attribute.KeyValue) {
	span := SpanFromContext(ctx)
	AddEvent(span, "carrier."+event, append(attrs, attribute.String(AttrCarrierEvent, event))...)
}
