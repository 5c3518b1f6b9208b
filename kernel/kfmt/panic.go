package kfmt

import (
	"strideos/kernel"

	"go.uber.org/zap"
)

var (
	// haltFn is mocked by tests. The default implementation unwinds the
	// calling flow with the error that caused the panic.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error (if not nil) and halts the kernel. Calls to
// Panic never return under the default halt function.
func Panic(log *zap.Logger, e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	if log != nil {
		log.Error("unrecoverable error",
			zap.String("module", err.Module),
			zap.String("message", err.Message),
		)
		log.Error("*** kernel panic: system halted ***")
		_ = log.Sync()
	}

	haltFn(err)
}
