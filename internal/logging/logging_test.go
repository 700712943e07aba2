package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/pipes/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pipes.log")
	l, err := New(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	l.Debug("hello")
	require.NoError(t, l.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello"`)
}

func TestNewLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipes.log")
	l, err := New(config.LogConfig{Level: "warn", Outputs: []string{path}})
	require.NoError(t, err)

	l.Info("quiet")
	l.Warn("loud")
	require.NoError(t, l.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "quiet")
	assert.Contains(t, string(b), "loud")
}

func TestNewRotatingOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	l, err := New(config.LogConfig{
		Level:    "info",
		Outputs:  []string{path},
		Rotation: config.RotationConfig{Enable: true, MaxSizeMB: 1},
	})
	require.NoError(t, err)
	l.Info("rotated")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "rotated")
}
