package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.EnableConsole = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info("hello from the test")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "mcp-bouncer.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the test")
}

func TestNewWithNothingEnabledIsNop(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	logger.Info("goes nowhere")
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLevel("not-a-level"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
}

func TestCommandLoggerLevels(t *testing.T) {
	quiet := NewCommandLogger(false)
	assert.False(t, quiet.Core().Enabled(zapcore.InfoLevel))

	loud := NewCommandLogger(true)
	assert.True(t, loud.Core().Enabled(zapcore.DebugLevel))
}

func TestPerServerLogger(t *testing.T) {
	base, err := New(Config{})
	require.NoError(t, err)
	child := PerServerLogger(base, "alpha")
	child.Info("scoped")
}
