package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the relay
const (
	// Call attributes
	AttrSessionID     = "session.id"
	AttrStreamSid     = "call.stream_sid"
	AttrCallSid       = "call.sid"
	AttrCallDirection = "call.direction"
	AttrPipelineMode  = "pipeline.mode"

	// Turn attributes
	AttrTurnID   = "turn.id"
	AttrTurnKind = "turn.kind"

	// Audio attributes
	AttrAudioSampleRate = "audio.sample_rate"
	AttrAudioCodec      = "audio.codec"
	AttrAudioDataSize   = "audio.data_size"

	// Carrier attributes
	AttrCarrierEvent = "carrier.event"

	// AI/LLM attributes
	AttrLLMProvider = "llm.provider"
	AttrLLMMessages = "llm.messages"

	// STT/TTS attributes
	AttrSTTProvider = "stt.provider"
	AttrTTSProvider = "tts.provider"
	AttrTTSVoice    = "tts.voice"
)

// CallAttrs describes the call a span belongs to.
func CallAttrs(sessionID, streamSid, callSid, direction, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrStreamSid, streamSid),
		attribute.String(AttrCallSid, callSid),
		attribute.String(AttrCallDirection, direction),
		attribute.String(AttrPipelineMode, mode),
	}
}

// SessionAttrs creates attributes for session information
func SessionAttrs(sessionID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionID, sessionID),
	}
}

// AudioAttrs creates attributes for audio data
func AudioAttrs(sampleRate, dataSize int, codec string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrAudioSampleRate, sampleRate),
		attribute.Int(AttrAudioDataSize, dataSize),
		attribute.String(AttrAudioCodec, codec),
	}
}
