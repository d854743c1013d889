package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithOptions_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)

	l.WithConsumer("c1", "s1").WithRequest("corr-1", "user-1").Debug("advanced")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "advanced", line["msg"])
	assert.Equal(t, "c1", line["client_id"])
	assert.Equal(t, "s1", line["stream_id"])
	assert.Equal(t, "corr-1", line["correlation_id"])
	assert.Equal(t, "user-1", line["subject"])
}

func TestNewWithOptions_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(Options{Level: "warn", Format: FormatConsole, Output: &buf})
	require.NoError(t, err)

	l.Info("dropped")
	l.WithStream("s1").Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, `"stream_id": "s1"`)
}

func TestNewWithOptions_UnknownFormat(t *testing.T) {
	_, err := NewWithOptions(Options{Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")
}
