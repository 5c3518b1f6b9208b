package task

import (
	"runtime"

	ksync "strideos/kernel/sync"
)

// switchTo saves the current flow into cur and transfers control to next.
// The call returns only when a later switch targets cur again. A nil cur
// discards the current flow: its goroutine terminates after the handoff.
//
// No exclusive guard may be held while switching; the next flow would find
// the guarded state permanently borrowed.
func (k *Kernel) switchTo(cur, next *Context) {
	if k.tracker.Held() != 0 {
		panicFn(k.log, ksync.ErrGuardHeldAcrossSwitch)
		return
	}

	next.activate(k.entryReturned)
	if cur == nil {
		runtime.Goexit()
	}
	cur.park()
}

// schedule switches from cur back to the idle context of the processor.
func (k *Kernel) schedule(cur *Context) {
	g := k.processor.Exclusive()
	idle := g.Get().idle
	g.Release()

	k.switchTo(cur, idle)
}

func (k *Kernel) entryReturned() {
	panicFn(k.log, errEntryReturned)
}
