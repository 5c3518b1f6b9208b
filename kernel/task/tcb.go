package task

import (
	"time"

	"strideos/kernel/cpu"
	"strideos/kernel/mm/vmm"
	ksync "strideos/kernel/sync"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus uint32

const (
	UnInit TaskStatus = iota
	Ready
	Running
	Exited
)

func (s TaskStatus) String() string {
	switch s {
	case UnInit:
		return "uninit"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// noParent marks a task whose parent is gone or that never had one.
const noParent = -1

// TaskControlBlock is the kernel record of a task. The pid never changes;
// everything else lives behind an exclusive-access cell.
type TaskControlBlock struct {
	pid   int
	inner *ksync.Cell[taskInner]
}

type taskInner struct {
	status TaskStatus
	ctx    *Context

	// trapCx is mutated by the hart while the task runs in user mode,
	// outside of any guard. Only the flow of the task itself touches it.
	trapCx *cpu.TrapContext
	space  *vmm.AddressSpace

	syscallTimes [MaxSyscallNum]uint32
	firstRun     time.Duration
	firstRunSet  bool
	exitCode     int32

	priority int64
	pass     int64
	stride   int64

	// parent is looked up through the process table.
	parent   int
	children []*TaskControlBlock

	// refs counts the holders of the task: the ready queue, the current
	// slot of the processor and the children list of the parent.
	refs int
}

// Pid returns the process id of the task.
func (t *TaskControlBlock) Pid() int {
	return t.pid
}

func (t *TaskControlBlock) read(fn func(*taskInner)) {
	t.inner.With(fn)
}

// Status returns the lifecycle state of the task.
func (t *TaskControlBlock) Status() (s TaskStatus) {
	t.read(func(in *taskInner) { s = in.status })
	return s
}

// Stride returns the accumulated stride of the task.
func (t *TaskControlBlock) Stride() (v int64) {
	t.read(func(in *taskInner) { v = in.stride })
	return v
}

// Pass returns the stride charged to the task each time it is enqueued.
func (t *TaskControlBlock) Pass() (v int64) {
	t.read(func(in *taskInner) { v = in.pass })
	return v
}

// Priority returns the scheduling weight of the task.
func (t *TaskControlBlock) Priority() (v int64) {
	t.read(func(in *taskInner) { v = in.priority })
	return v
}

// ExitCode returns the exit code recorded when the task exited.
func (t *TaskControlBlock) ExitCode() (v int32) {
	t.read(func(in *taskInner) { v = in.exitCode })
	return v
}

// Parent returns the pid of the parent or -1.
func (t *TaskControlBlock) Parent() (v int) {
	t.read(func(in *taskInner) { v = in.parent })
	return v
}

// Children returns the pids of the children in insertion order.
func (t *TaskControlBlock) Children() (pids []int) {
	t.read(func(in *taskInner) {
		for _, child := range in.children {
			pids = append(pids, child.pid)
		}
	})
	return pids
}

// Refs returns the number of holders of the task.
func (t *TaskControlBlock) Refs() (v int) {
	t.read(func(in *taskInner) { v = in.refs })
	return v
}

// Space returns the address space of the task.
func (t *TaskControlBlock) Space() (as *vmm.AddressSpace) {
	t.read(func(in *taskInner) { as = in.space })
	return as
}

// TrapContext returns the saved user state of the task.
func (t *TaskControlBlock) TrapContext() (tc *cpu.TrapContext) {
	t.read(func(in *taskInner) { tc = in.trapCx })
	return tc
}

// setPriority updates the weight and pass of the task. The stride is left
// alone so the new weight only affects future scheduling decisions.
func (in *taskInner) setPriority(prio int64) {
	in.priority = prio
	in.pass = BigStride / prio
}
