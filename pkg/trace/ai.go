package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentLLMRequest creates a span covering one streamed completion.
func InstrumentLLMRequest(ctx context.Context, provider string, messages int) (context.Context, trace.Span) {
	return StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			attribute.String(AttrLLMProvider, provider),
			attribute.Int(AttrLLMMessages, messages),
		),
	)
}

// InstrumentSTTStream creates a span for a recognizer stream.
func InstrumentSTTStream(ctx context.Context, provider string) (context.Context, trace.Span) {
	return StartSpan(ctx, "stt.stream",
		trace.WithAttributes(
			attribute.String(AttrSTTProvider, provider),
		),
	)
}

// InstrumentTTSRequest creates a span for TTS (Text-to-Speech) requests
func InstrumentTTSRequest(ctx context.Context, provider, voice, text string) (context.Context, trace.Span) {
	return StartSpan(ctx, "tts.request",
		trace.WithAttributes(
			attribute.String(AttrTTSProvider, provider),
			attribute.String(AttrTTSVoice, voice),
			attribute.Int("text.length", len(text)),
		),
	)
}
