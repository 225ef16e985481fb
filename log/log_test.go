package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger(t *testing.T) {
	prev := Logger
	defer func() { Logger = prev }()

	require.NoError(t, InitLogger("warn"))
	assert.False(t, Logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger.Core().Enabled(zapcore.WarnLevel))

	assert.Error(t, InitLogger("loud"))
}

func TestNamedNeverNil(t *testing.T) {
	assert.NotNil(t, Named("worker", "run-1"))
}
