package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFansOutToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "codebox.log")

	logger, err := New(Options{Level: "info", Output: &console, File: path})
	require.NoError(t, err)

	logger.Info("run completed", "run_id", "r1")
	logger.Debug("hidden")
	require.NoError(t, logger.Close())

	assert.Contains(t, console.String(), "run completed")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "run completed", record["msg"])
	assert.Equal(t, "r1", record["run_id"])
}

func TestLevelVarIsShared(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "json", Output: &console})
	require.NoError(t, err)

	logger.Info("before")
	logger.Level.Set(slog.LevelDebug)
	logger.Debug("after")

	out := console.String()
	assert.False(t, strings.Contains(out, "before"))
	assert.True(t, strings.Contains(out, `"msg":"after"`))
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
