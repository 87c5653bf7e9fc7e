package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitrelay/hitrelay/config"
)

func TestLogrusLoggerRespectsLogLevelAfterStart(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := &config.MockConfig{
		GetLoggerLevelVal:  config.WarnLevel,
		GetLoggerConfigVal: config.LoggerConfig{Format: "json"},
	}
	l := &LogrusLogger{Config: cfg, output: buf}
	require.NoError(t, l.Start())

	l.Info().WithString("dropped", "yes").Logf("not shown")
	assert.Equal(t, nullEntry, l.Debug())
	assert.Zero(t, buf.Len())

	l.Warn().WithString("hit_type", "event").WithField("status", 400).Logf("hit %s", "malformed")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "hit malformed", line["msg"])
	assert.Equal(t, "event", line["hit_type"])
	assert.Equal(t, float64(400), line["status"])
}

func TestLogrusLoggerSetLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := &config.MockConfig{GetLoggerLevelVal: config.ErrorLevel}
	l := &LogrusLogger{Config: cfg, output: buf}
	require.NoError(t, l.Start())

	assert.Error(t, l.SetLevel("chatty"))
	require.NoError(t, l.SetLevel("debug"))
	l.Debug().WithFields(map[string]interface{}{"a": 1}).Logf("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestMockLoggerRecordsFields(t *testing.T) {
	l := &MockLogger{}
	l.Error().WithString("property_id", "UA-1").Logf("send failed")
	l.Info().Logf("unrelated")

	found := l.EventsWith("property_id")
	require.Len(t, found, 1)
	assert.Equal(t, config.ErrorLevel, found[0].Level())
	assert.Equal(t, "send failed", found[0].Fields["error"])
}

func TestGetLoggerImplementation(t *testing.T) {
	assert.IsType(t, &LogrusLogger{}, GetLoggerImplementation(&config.MockConfig{GetLoggerTypeVal: "stdout"}))
	assert.IsType(t, &NullLogger{}, GetLoggerImplementation(&config.MockConfig{GetLoggerTypeVal: "none"}))
}
