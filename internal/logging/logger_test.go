package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/l0p7/offlineshim/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewWritesComponentTaggedJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("worker installed", slog.String("version", "pwa-cache-v1"))
	logger.Debug("dropped")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "offlineshim", entry["component"])
	require.Equal(t, "pwa-cache-v1", entry["version"])
	require.NotContains(t, entry, "source")
}

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{level: "", want: slog.LevelInfo},
		{level: "DEBUG", want: slog.LevelDebug},
		{level: " warning ", want: slog.LevelWarn},
		{level: "error", want: slog.LevelError},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := New(config.LoggingConfig{Level: tc.level}, &bytes.Buffer{})
			require.NoError(t, err)
			require.True(t, logger.Enabled(context.Background(), tc.want))
			require.False(t, logger.Enabled(context.Background(), tc.want-1))
		})
	}
}

func TestNewDebugTextIncludesSource(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Debug("cache match")
	require.Contains(t, buf.String(), "source=")
	require.Contains(t, buf.String(), "component=offlineshim")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "verbose"}, nil)
	require.Error(t, err)

	_, err = New(config.LoggingConfig{Format: "binary"}, nil)
	require.Error(t, err)
}
