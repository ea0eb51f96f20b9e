package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")

	log, err := NewLogger("debug", "json", path)
	require.NoError(t, err)
	log.Debug("ladder reset")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ladder reset")
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger("loud", "console")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
