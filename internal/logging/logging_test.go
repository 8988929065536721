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
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewText(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Writer: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("sweep finished", "accepted", 12)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "sweep finished")
	assert.Contains(t, out, "accepted=12")
}

func TestNewJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: FormatJSON, Writer: &buf})
	require.NoError(t, err)

	logger.With("rank", 3).Warn("exchange failed", "reason", "timeout")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "exchange failed", rec["msg"])
	assert.Equal(t, "timeout", rec["reason"])
	assert.EqualValues(t, 3, rec["rank"])
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestNopLogger(t *testing.T) {
	t.Parallel()
	var logger Logger = NewNop()
	require.NotPanics(t, func() {
		logger.Debug("")
		logger.Info("message", nil)
		logger.Warn("message", "single")
		logger.Error("message", "k1", "v1", "k2", "v2")
	})
}
