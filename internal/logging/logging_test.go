package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("Circuit breaker opened", "job_id", "job-1")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Circuit breaker opened", rec["msg"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNew_TextDebugOverride(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "error", Format: "text", Debug: true, NoColor: true})
	require.NoError(t, err)

	logger.Debug("Dispatching item", "item_id", "a")
	assert.Contains(t, buf.String(), "Dispatching item")
	assert.Contains(t, buf.String(), "item_id=a")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}
