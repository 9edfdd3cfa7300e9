package trace

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/voice-relay/pkg/config"
)

func TestInitialize_NoneIsNoop(t *testing.T) {
	shutdown, err := Initialize(context.Background(), Config{Exporter: ExporterNone})
	require.NoError(t, err)
	defer shutdown(context.Background())

	ctx, span := InstrumentSession(context.Background(), "s1", "MZ1", "CA1", "inbound", "cascaded")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, TraceID(ctx))
	assert.Nil(t, ZapFields(ctx))
}

func TestInitialize_UnsupportedExporter(t *testing.T) {
	_, err := Initialize(context.Background(), Config{Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestInitialize_StdoutExportsCallSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Initialize(context.Background(), Config{
		ServiceName: "voice-relay",
		Exporter:    ExporterStdout,
		Writer:      &buf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	_, err = Initialize(context.Background(), Config{Exporter: ExporterStdout, Writer: &buf})
	assert.Error(t, err, "second provider refused")

	ctx, root := InstrumentSession(context.Background(), "s1", "MZ1", "CA1", "outbound", "cascaded")
	fields := ZapFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "trace_id", fields[0].Key)
	assert.Equal(t, TraceID(ctx), fields[0].String)

	InstrumentCarrierEvent(ctx, "mark")
	_, turn := InstrumentTurn(ctx, "s1", "turn-1", "response")
	RecordError(turn, errors.New("synthesis failed"))
	RecordError(turn, nil)
	turn.End()
	root.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "relay.session")
	assert.Contains(t, out, "relay.turn")
	assert.Contains(t, out, "call.stream_sid")
	assert.Contains(t, out, "carrier.mark")
	assert.Contains(t, out, "synthesis failed")
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TraceConfig{Exporter: "otlp", OTLPEndpoint: "collector:4317", SamplingRate: 0.25, Environment: "prod"}, "1.2.3")
	assert.Equal(t, "voice-relay", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, ExporterOTLP, cfg.Exporter)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.SamplingRate)
}
