package log

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "console", cfg.Mode)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "text", cfg.Format)
	assert.Equal(t, 200, cfg.BufferLines)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("TASKLIVE_LOG_MODE", "file")
	t.Setenv("TASKLIVE_LOG_LEVEL", "debug")
	t.Setenv("TASKLIVE_LOG_FILE", "/tmp/x.log")
	t.Setenv("TASKLIVE_LOG_BUFFER", "0")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "file", cfg.Mode)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "/tmp/x.log", cfg.FilePath)
	assert.Equal(t, 0, cfg.BufferLines)
	assert.Equal(t, "text", cfg.Format, "unset variables keep defaults")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInit_CreatesBuffer(t *testing.T) {
	require.NoError(t, Init(&Config{Mode: "console", Level: "info", BufferLines: 100}))

	Info("test buffer message", "room", "chat-u1-u2")

	lines := GetBufferedLogs(10)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "test buffer message")
}

func TestInit_BufferCapturesBelowLevel(t *testing.T) {
	require.NoError(t, Init(&Config{Mode: "console", Level: "error", BufferLines: 10}))

	Debug("quiet detail")

	lines := GetBufferedLogs(1)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "quiet detail")
}

func TestInit_BufferDisabled(t *testing.T) {
	require.NoError(t, Init(&Config{Mode: "console", Level: "info"}))
	assert.Nil(t, GetBufferedLogs(10))
}

func TestInit_FileModeClosesOnReinit(t *testing.T) {
	cfg := &Config{Mode: "file", Level: "info", FilePath: t.TempDir() + "/a.log", MaxSizeMB: 1}
	require.NoError(t, Init(cfg))
	Info("to file")

	require.NoError(t, Init(&Config{Mode: "console", Level: "info"}))
	assert.NoError(t, Close())
}
