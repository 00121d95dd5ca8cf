// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-hitl/internal/config"
)

// syncBuffer is a goroutine-safe WriteSyncer for capturing console output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "blue"},
		}, out)
		GetLogger().Info("This is a test message.")
		GetLogger().Warn("warned")
		Sync()

		output := out.String()
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorBlue+"INFO"+colorReset, "configured color wins")
		assert.Contains(t, output, colorYellow+"WARN"+colorReset, "blank colors fall back to defaults")
		assert.Contains(t, output, "TestService.")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, out)
		GetLogger().Warn("This is a JSON message.", zap.String("key", "value"))
		GetLogger().Debug("filtered by level")
		Sync()

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(out.String()), &entry), "exactly one JSON line expected")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "This is a JSON message.", entry["msg"])
		assert.Equal(t, "value", entry["key"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		path := filepath.Join(t.TempDir(), "hitl.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: path, MaxSize: 1}, &syncBuffer{})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, &syncBuffer{})
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, &syncBuffer{})
		assert.Same(t, first, GetLogger())
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, &syncBuffer{})
		assert.False(t, GetLogger().Core().Enabled(zapcore.DebugLevel))
		assert.True(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	})
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Equal(t, "fallback", logger.Name())
}

func TestComponentFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := Component(zap.New(core), "broker")
	logger.Info("opened", RunID("r1"), InterventionID("iv1"), Domain("example.com"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "broker", fields[KeyComponent])
	assert.Equal(t, "r1", fields[KeyRunID])
	assert.Equal(t, "iv1", fields[KeyInterventionID])
	assert.Equal(t, "example.com", fields[KeyDomain])
	assert.Equal(t, "broker", logs.All()[0].LoggerName)
}
