package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		level      string
		wantErr    bool
	}{
		{name: "JSON output mode", jsonOutput: true, level: "info"},
		{name: "Console output mode", level: "debug"},
		{name: "Default level", jsonOutput: true},
		{name: "Unknown level", level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = zap.NewNop().Sugar()
			JSONOutput = false

			err := Initialize(tt.jsonOutput, tt.level)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)
		})
	}
	Logger = zap.NewNop().Sugar()
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestSymbolFieldIsStructured(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zap.New(core).Sugar()

	PulseInfow(l, "Trigger fired", FieldTrigger, "DEFAULT.nightly")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Trigger fired", entries[0].Message)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "꩜", ctx[FieldSymbol])
	assert.Equal(t, "DEFAULT.nightly", ctx[FieldTrigger])
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample().Sugar()
	assert.Same(t, l, OrNop(l))
}
