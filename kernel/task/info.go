package task

import (
	"time"

	"strideos/kernel"

	"go.uber.org/zap"
)

// TaskInfo is the accounting snapshot returned to user code.
type TaskInfo struct {
	Status       TaskStatus
	SyscallTimes [MaxSyscallNum]uint32
	// TimeMs is the time elapsed since the task was first dispatched.
	TimeMs uint64
}

// IncSyscallCount counts one invocation of syscall id by the running task.
// Ids outside [0, MaxSyscallNum) are not counted.
func (k *Kernel) IncSyscallCount(id uint64) {
	if id >= MaxSyscallNum {
		return
	}
	k.mustCurrent().inner.With(func(in *taskInner) { in.syscallTimes[id]++ })
}

// FirstRunTime returns the time at which the running task was first
// dispatched.
func (k *Kernel) FirstRunTime() (at time.Duration, ok bool) {
	k.mustCurrent().inner.With(func(in *taskInner) {
		at, ok = in.firstRun, in.firstRunSet
	})
	return at, ok
}

// TaskInfo returns the accounting snapshot of the running task.
func (k *Kernel) TaskInfo() TaskInfo {
	var info TaskInfo
	now := k.clock.Now()
	k.mustCurrent().inner.With(func(in *taskInner) {
		info.Status = in.status
		info.SyscallTimes = in.syscallTimes
		if in.firstRunSet {
			info.TimeMs = uint64((now - in.firstRun) / time.Millisecond)
		}
	})
	return info
}

// SetPriority changes the scheduling weight of the running task and returns
// the new priority. Priorities below MinPriority are rejected without
// changing the task.
func (k *Kernel) SetPriority(prio int64) (int64, *kernel.Error) {
	if prio < MinPriority {
		return -1, ErrInvalidPriority
	}

	t := k.mustCurrent()
	t.inner.With(func(in *taskInner) { in.setPriority(prio) })
	k.log.Debug("priority changed", zap.Int("pid", t.pid), zap.Int64("priority", prio), zap.Int64("pass", BigStride/prio))
	return prio, nil
}
