package mlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	f := filepath.Join(t.TempDir(), "resync.log")
	lg, err := NewLogger(&LogConfig{Level: "warn", File: f, Production: true})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, Level())

	lg.Info("dropped")
	lg.Warn("kept")

	b, err := os.ReadFile(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"kept"`)
	assert.NotContains(t, string(b), "dropped")

	_, err = NewLogger(&LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	require.NoError(t, SetLevel("debug"))
	assert.True(t, L().Core().Enabled(zapcore.DebugLevel))
	require.NoError(t, SetLevel(""))
	assert.Equal(t, zapcore.InfoLevel, Level())
	assert.Error(t, SetLevel("nope"))
}
