package logger

import (
	"testing"

	"github.com/opsfield/opsfield/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_ProductionDefaults(t *testing.T) {
	log, err := New(config.Config{AppName: "opsfield", Environment: "production"})
	require.NoError(t, err)
	require.NotNil(t, log)

	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_DevelopmentHonorsLevel(t *testing.T) {
	log, err := New(config.Config{
		AppName:     "opsfield",
		Environment: "development",
		LogLevel:    "debug",
	})
	require.NoError(t, err)

	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(config.Config{LogLevel: "blaring"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blaring")
}
