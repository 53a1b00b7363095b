package logger

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/sai-vault-worker/types"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("bogus"))
}

func TestManager_Lifecycle(t *testing.T) {
	m, err := NewManager(&types.LoggerConfig{Level: "error", Config: map[string]interface{}{"output": "stderr"}})
	require.NoError(t, err)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)

	_ = m.Stop()
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}

func TestManager_UnknownType(t *testing.T) {
	_, err := NewManager(&types.LoggerConfig{Type: "syslog", Level: "info"})
	assert.ErrorIs(t, err, types.ErrLoggerTypeUnknown)
}

func TestErrorWithErrStack(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewFromZap(zap.New(core))

	m.ErrorWithErrStack("store write failed", errors.Wrap(errors.New("disk full"), "put"), zap.String("store", "vault-static-v2"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "store write failed", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "disk full", fields["error"])
	assert.Equal(t, "put: disk full", fields["error_chain"])
	assert.Equal(t, "vault-static-v2", fields["store"])

	stack, ok := fields["stack"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, stack)
	assert.Contains(t, stack[0], "logger.TestErrorWithErrStack")
	assert.Contains(t, stack[0], "logger/logger_test.go:")
	for _, frame := range stack {
		assert.NotContains(t, frame, "runtime.goexit")
	}
}

func TestErrorWithErrStack_PlainError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewFromZap(zap.New(core))

	m.ErrorWithErrStack("fetch failed", types.ErrNetworkUnavailable)
	m.ErrorWithErrStack("nothing to report", nil)

	require.Equal(t, 2, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, types.ErrNetworkUnavailable.Error(), fields["error"])
	assert.NotContains(t, fields, "stack")
	assert.NotContains(t, fields, "error_chain")
	assert.Empty(t, logs.All()[1].ContextMap())
}

func TestStackFrames_Limit(t *testing.T) {
	var nest func(depth int) error
	nest = func(depth int) error {
		if depth == 0 {
			return errors.New("deep")
		}
		return nest(depth - 1)
	}

	frames := stackFrames(nest(maxStackFrames * 2))
	assert.Len(t, frames, maxStackFrames)
	assert.Nil(t, stackFrames(nil))
}
