package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG").Level())
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning").Level())
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error").Level())
	assert.Equal(t, zap.InfoLevel, ParseLevel("").Level())
	assert.Equal(t, zap.InfoLevel, ParseLevel("chatty").Level())
}

func TestNewBuildsBothFormats(t *testing.T) {
	jsonLogger, err := New(Options{Level: "warn", Format: "json", Environment: "prod"})
	require.NoError(t, err)
	assert.False(t, jsonLogger.Core().Enabled(zap.InfoLevel))
	assert.True(t, jsonLogger.Core().Enabled(zap.WarnLevel))

	consoleLogger, err := New(Options{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, consoleLogger.Core().Enabled(zap.DebugLevel))
}
