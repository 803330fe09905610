package telemetry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robalyx/fitroom/internal/setup/config"
	"github.com/robalyx/fitroom/internal/setup/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSessions(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	for _, name := range []string{"old-a", "old-b", "old-c"} {
		require.NoError(t, os.MkdirAll(filepath.Join(logDir, name), os.ModePerm))
	}

	manager := telemetry.NewManager("tryon", logDir, &config.Debug{
		LogLevel:      "debug",
		MaxLogsToKeep: 2,
		MaxLogLines:   100,
	}, false)
	defer manager.Stop()

	mainLogger, dbLogger, err := manager.GetLoggers()
	require.NoError(t, err)

	mainLogger.Info("hello")
	dbLogger.Info("query")
	_ = mainLogger.Sync()
	require.NoError(t, dbLogger.Sync())

	sessions, err := filepath.Glob(filepath.Join(logDir, "*"))
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	data, err := os.ReadFile(filepath.Join(manager.GetCurrentSessionDir(), "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), manager.GetInstanceID())
}

func TestManagerInvalidLevel(t *testing.T) {
	t.Parallel()

	manager := telemetry.NewManager("tryon", t.TempDir(), &config.Debug{
		LogLevel:      "loud",
		MaxLogsToKeep: 2,
		MaxLogLines:   100,
	}, false)

	_, _, err := manager.GetLoggers()
	require.Error(t, err)
}
