// Package task implements task control blocks, the stride scheduler, the
// processor run loop and the process lifecycle.
package task

import "runtime"

type signal uint8

const (
	signalResume signal = iota
	signalAbort
)

// Context is a saved execution flow. Every task context is backed by its own
// goroutine which is started the first time a switch targets the context.
// Exactly one context executes at a time; all others are parked on their
// resume channel.
type Context struct {
	entry func()

	// resume holds at most one pending signal.
	resume chan signal

	started bool
	done    chan struct{}
}

// newContext returns a context that begins executing entry when first
// switched into. entry must never return.
func newContext(entry func()) *Context {
	return &Context{
		entry:  entry,
		resume: make(chan signal, 1),
		done:   make(chan struct{}),
	}
}

// newIdleContext returns the context of the goroutine that runs the
// scheduling loop. It is already executing, so switching into it only
// resumes it.
func newIdleContext() *Context {
	c := newContext(nil)
	c.started = true
	return c
}

// activate transfers control to c.
func (c *Context) activate(onReturn func()) {
	if c.started {
		c.resume <- signalResume
		return
	}

	c.started = true
	go func() {
		defer close(c.done)
		c.entry()
		onReturn()
	}()
}

// park blocks the calling goroutine until a later switch targets c. An abort
// signal terminates the goroutine instead.
func (c *Context) park() {
	if <-c.resume == signalAbort {
		runtime.Goexit()
	}
}

// abort terminates the goroutine behind a parked context and waits for it
// to finish. Contexts that were never started have nothing to stop.
func (c *Context) abort() {
	if !c.started || c.entry == nil {
		return
	}

	select {
	case c.resume <- signalAbort:
	default:
	}
	<-c.done
}
