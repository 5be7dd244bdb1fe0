package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		logFunc   func(l *Logger)
		wantLines int
		checkFunc func(t *testing.T, lines []string)
	}{
		{
			name:   "json format with debug level",
			level:  "debug",
			format: "json",
			logFunc: func(l *Logger) {
				l.Debug("test debug message", slog.String("key", "value"))
			},
			wantLines: 1,
			checkFunc: func(t *testing.T, lines []string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(lines[0]), &logEntry)
				require.NoError(t, err)

				assert.Equal(t, "DEBUG", logEntry["level"])
				assert.Equal(t, "test debug message", logEntry["msg"])
				assert.Equal(t, "value", logEntry["key"])
				assert.Contains(t, logEntry, "time")
			},
		},
		{
			name:   "json format with info level filters debug",
			level:  "info",
			format: "json",
			logFunc: func(l *Logger) {
				l.Debug("debug message")
				l.Info("info message", slog.String("type", "test"))
			},
			wantLines: 1,
			checkFunc: func(t *testing.T, lines []string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(lines[0]), &logEntry)
				require.NoError(t, err)

				assert.Equal(t, "INFO", logEntry["level"])
				assert.Equal(t, "info message", logEntry["msg"])
				assert.Equal(t, "test", logEntry["type"])
			},
		},
		{
			name:   "warn level filters info",
			level:  "warn",
			format: "json",
			logFunc: func(l *Logger) {
				l.Info("info message")
				l.Warn("warn message", slog.String("severity", "high"))
			},
			wantLines: 1,
			checkFunc: func(t *testing.T, lines []string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(lines[0]), &logEntry)
				require.NoError(t, err)

				assert.Equal(t, "WARN", logEntry["level"])
				assert.Equal(t, "high", logEntry["severity"])
			},
		},
		{
			name:   "with attaches attributes to every record",
			level:  "info",
			format: "json",
			logFunc: func(l *Logger) {
				l.With("component", "queue").Info("first")
			},
			wantLines: 1,
			checkFunc: func(t *testing.T, lines []string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(lines[0]), &logEntry)
				require.NoError(t, err)

				assert.Equal(t, "queue", logEntry["component"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logFile := filepath.Join(t.TempDir(), "app.log")

			l, err := New(&Config{
				Level:      tt.level,
				Format:     tt.format,
				Output:     logFile,
				TimeFormat: time.RFC3339,
			})
			require.NoError(t, err)

			tt.logFunc(l)

			data, err := os.ReadFile(logFile)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			require.Len(t, lines, tt.wantLines)

			if tt.checkFunc != nil {
				tt.checkFunc(t, lines)
			}
		})
	}
}

func TestNew_InvalidFilePath(t *testing.T) {
	_, err := New(&Config{
		Level:  "info",
		Format: "json",
		Output: filepath.Join(t.TempDir(), "missing", "app.log"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l)
	require.NotNil(t, l.Logger)
}
