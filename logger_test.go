package exthost

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "host.log")
	logger := NewFileLogger(path, slog.LevelInfo)

	logger.Info("extension activated", "extension", "publisher.name", "attempt", 1)
	logger.Error("activation failed", "extension", "publisher.other")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "extension activated", record["msg"])
	assert.Equal(t, "publisher.name", record["extension"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &record))
	assert.Equal(t, "ERROR", record["level"])
}

func TestFileLoggerFiltersBelowLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "host.log")
	logger := NewFileLogger(path, slog.LevelWarn)

	logger.Debug("probing runtime")
	logger.Info("extension activated")
	logger.Warn("activation slow", "extension", "publisher.name")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "records below the level are dropped")
	assert.Contains(t, lines[0], "activation slow")
}

func TestNewSlogLoggerNilFallsBack(t *testing.T) {
	t.Parallel()

	logger := NewSlogLogger(nil)
	require.NotNil(t, logger)
	// Must not panic.
	logger.Debug("fallback logger in use")
}

func TestNopLoggerDiscards(t *testing.T) {
	t.Parallel()

	var logger Logger = nopLogger{}
	logger.Info("dropped", "key", "value")
	logger.Error("dropped")
	logger.Warn("dropped")
	logger.Debug("dropped")
}
