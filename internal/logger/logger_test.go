package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	lm := NewLoggerManagerWithWriter(cfg, &buf)

	log := lm.GetComponentLogger("gaps")
	log.Info("gap filled", "slots", 3)
	assert.Equal(t, "gaps", log.Component())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "gaps", lines[0]["component"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "ohlcv-history", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["slots"])

	// cached loggers are reused
	assert.Same(t, log.Logger, lm.GetComponentLogger("gaps").Logger)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "warn", Format: "json"}
	log := NewLoggerManagerWithWriter(cfg, &buf).GetLogger()

	log.Info("dropped")
	log.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "WARN", lines[0]["level"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("nonsense"))
}

func TestNewTrace(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := WithSymbol(context.Background(), "BTC-USD")
	log, ctx := NewTrace(ctx, lm, "market")
	traceID := GetTraceID(ctx)
	_, err := uuid.Parse(traceID)
	require.NoError(t, err)

	log.ErrorWithContext(context.Background(), "refresh failed", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, traceID, lines[0]["trace_id"])
	assert.Equal(t, "BTC-USD", lines[0]["symbol"])
	assert.Equal(t, "market", lines[0]["component"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerManagerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf).GetLogger()

	require.NoError(t, TimedOperation(log, "load", func() error { return nil }))
	err := TimedOperation(log, "save", func() error { return errors.New("disk full") })
	require.Error(t, err)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "timed operation completed", lines[0]["msg"])
	assert.Equal(t, "save", lines[1]["operation"])
	assert.Equal(t, "ERROR", lines[1]["level"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ohlcv.log")
	lm, err := NewLoggerManager(config.LoggingConfig{Level: "info", Format: "text", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	lm.GetLogger().Info("hello")
	require.NoError(t, lm.Close())
	assert.FileExists(t, path)

	_, err = NewLoggerManager(config.LoggingConfig{Output: "file"})
	assert.Error(t, err)
}
