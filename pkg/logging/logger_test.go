package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("stride-runner", cfg)
	require.NoError(t, err)

	logger.Info("hello")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "stride-runner", decoded["service"])
	assert.Equal(t, "hello", decoded["msg"])
}

func TestLevelFromFlag(t *testing.T) {
	assert.Equal(t, LevelTrace, LevelFromFlag("trace"))
	assert.Equal(t, slog.LevelDebug, LevelFromFlag("debug"))
	assert.Equal(t, slog.LevelInfo, LevelFromFlag("info"))
	assert.Equal(t, slog.LevelWarn, LevelFromFlag(""))
}

func TestSetLevelSuppressesBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = slog.LevelInfo

	logger, err := New("stride-runner", cfg)
	require.NoError(t, err)

	logger.Debug("should be suppressed")
	assert.Empty(t, buf.String())

	logger.SetLevel(slog.LevelDebug)
	logger.Debug("should now appear")
	assert.True(t, strings.Contains(buf.String(), "should now appear"))
}

func TestForJobAddsIIDAttribute(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("stride-runner", cfg)
	require.NoError(t, err)

	logger.ForJob(476).Info("job started")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 476, decoded["iid"])
	assert.Equal(t, "job", decoded["component"])
}

func TestContextualHandlerAddsRunUUID(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("stride-runner", cfg)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ContextKeyRunUUID, "run-123")
	logger.InfoContext(ctx, "job done")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-123", decoded["run_uuid"])
}

func TestCountsTallyByLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New("stride-runner", cfg)
	require.NoError(t, err)

	logger.Info("a")
	logger.Info("b")
	logger.Warn("c")

	counts := logger.Counts()
	assert.EqualValues(t, 2, counts[slog.LevelInfo])
	assert.EqualValues(t, 1, counts[slog.LevelWarn])
}
