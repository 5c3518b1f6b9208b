// Package sync provides the exclusive-access cell that protects shared kernel
// state on a single core.
package sync

import (
	"sync"
	"sync/atomic"

	"strideos/kernel"
)

var (
	// ErrAlreadyBorrowed is raised when a cell is accessed while a guard for
	// it is still outstanding. On a single core this can only be caused by a
	// missing Release and is never resolved by waiting.
	ErrAlreadyBorrowed = &kernel.Error{Module: "sync", Message: "cell already exclusively borrowed"}

	// ErrGuardHeldAcrossSwitch is raised when a context switch is attempted
	// while a guard is held.
	ErrGuardHeldAcrossSwitch = &kernel.Error{Module: "sync", Message: "exclusive guard held across a context switch"}
)

// Tracker counts the guards currently held on the cells of a single kernel
// instance.
type Tracker struct {
	held atomic.Int32
}

// NewTracker returns a tracker with no held guards.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Held returns the number of outstanding guards.
func (tr *Tracker) Held() int {
	return int(tr.held.Load())
}

// AssertNoneHeld panics with ErrGuardHeldAcrossSwitch if any guard tracked by
// tr has not been released.
func (tr *Tracker) AssertNoneHeld() {
	if tr.held.Load() != 0 {
		panic(ErrGuardHeldAcrossSwitch)
	}
}

// Cell wraps a value that may only be accessed through an exclusive guard.
// Any attempt to acquire a second guard before the first one is released
// panics with ErrAlreadyBorrowed.
type Cell[T any] struct {
	tr    *Tracker
	mu    sync.Mutex
	value T
}

// NewCell returns a cell holding value whose guards are accounted by tr.
func NewCell[T any](tr *Tracker, value T) *Cell[T] {
	return &Cell[T]{tr: tr, value: value}
}

// Exclusive acquires exclusive access to the cell contents.
func (c *Cell[T]) Exclusive() *Guard[T] {
	if !c.mu.TryLock() {
		panic(ErrAlreadyBorrowed)
	}
	c.tr.held.Add(1)
	return &Guard[T]{cell: c}
}

// With runs fn while holding a guard for the cell. The guard is released on
// every exit path of fn.
func (c *Cell[T]) With(fn func(*T)) {
	g := c.Exclusive()
	defer g.Release()
	fn(g.Get())
}

// Guard grants exclusive access to the contents of a Cell until Release is
// called.
type Guard[T any] struct {
	cell     *Cell[T]
	released bool
}

// Get returns a pointer to the guarded value. The pointer must not be used
// after the guard is released.
func (g *Guard[T]) Get() *T {
	if g.released {
		panic(ErrAlreadyBorrowed)
	}
	return &g.cell.value
}

// Release relinquishes the guard. Calling Release more than once has no
// effect.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.cell.tr.held.Add(-1)
	g.cell.mu.Unlock()
}
