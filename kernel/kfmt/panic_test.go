package kfmt

import (
	"errors"
	"testing"

	"strideos/kernel"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(*kernel.Error)) {
		haltFn = origHaltFn
	}(haltFn)

	var halted *kernel.Error
	haltFn = func(err *kernel.Error) {
		halted = err
	}

	specs := []struct {
		name   string
		input  interface{}
		module string
		msg    string
	}{
		{"kernel error", &kernel.Error{Module: "task", Message: "zombie still referenced"}, "task", "zombie still referenced"},
		{"string", "bad state", "rt", "bad state"},
		{"error", errors.New("boom"), "rt", "boom"},
		{"nil", nil, "rt", "unknown cause"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			halted = nil

			Panic(zap.New(core), spec.input)

			require.NotNil(t, halted, "expected halt function to be called by Panic")
			require.Equal(t, spec.module, halted.Module)
			require.Equal(t, spec.msg, halted.Message)

			entries := logs.FilterMessage("unrecoverable error").All()
			require.Len(t, entries, 1)
			require.Equal(t, spec.module, entries[0].ContextMap()["module"])
			require.Equal(t, 1, logs.FilterMessage("*** kernel panic: system halted ***").Len())
		})
	}
}

func TestPanicDefaultHalts(t *testing.T) {
	err := &kernel.Error{Module: "test", Message: "halt"}
	require.PanicsWithValue(t, err, func() {
		Panic(zap.NewNop(), err)
	})
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := NewLogger("debug", format)
		require.Nil(t, err)
		require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}

	_, err := NewLogger("verbose", "json")
	require.Equal(t, errUnknownLevel, err)

	_, err = NewLogger("info", "xml")
	require.Equal(t, errUnknownFormat, err)
}

func TestParseLevel(t *testing.T) {
	specs := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, exp := range specs {
		got, err := ParseLevel(in)
		require.Nil(t, err)
		require.Equal(t, exp, got, "level %q", in)
	}
}
