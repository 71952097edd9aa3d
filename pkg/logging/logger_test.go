package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_ConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "navigator.log")

	logger, cleanup, err := NewLogger(Options{
		Level:         "info",
		File:          file,
		MaxSizeMB:     1,
		Console:       true,
		ConsoleWriter: &console,
	})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("pool created")
	cleanup()

	assert.Contains(t, console.String(), "pool created")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"pool created"`)
}

func TestNewLogger_NothingEnabled(t *testing.T) {
	logger, cleanup, err := NewLogger(Options{Level: "warn", File: DisabledFile})
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, logger)
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, _, err := NewLogger(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestDefaultLogPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	path, err := DefaultLogPath("ekaya-navigator")
	require.NoError(t, err)
	assert.Equal(t, "navigator.log", filepath.Base(path))
}
