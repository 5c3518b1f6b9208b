// Package syscall services the traps raised by user programs: system calls,
// timer interrupts and faults.
package syscall

// Syscall ids understood by the kernel. Arguments are passed in a0..a2 and
// the id in a7; the result is returned in a0.
const (
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetTime     = 169
	SysGetPid      = 172
	SysSbrk        = 214
	SysMunmap      = 215
	SysFork        = 220
	SysExec        = 221
	SysMmap        = 222
	SysWaitPid     = 260
	SysSpawn       = 400
	SysTaskInfo    = 410
)

var names = map[uint64]string{
	SysWrite:       "write",
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetTime:     "get_time",
	SysGetPid:      "getpid",
	SysSbrk:        "sbrk",
	SysMunmap:      "munmap",
	SysFork:        "fork",
	SysExec:        "exec",
	SysMmap:        "mmap",
	SysWaitPid:     "waitpid",
	SysSpawn:       "spawn",
	SysTaskInfo:    "task_info",
}

// Name returns the name of a syscall id or "unknown".
func Name(id uint64) string {
	if name, ok := names[id]; ok {
		return name
	}
	return "unknown"
}

// Exit codes assigned by the kernel to tasks it terminates.
const (
	ExitFault   = -2
	ExitIllegal = -3
)

// Sizes of the structures written to user memory.
const (
	TimeValSize  = 16
	TaskInfoSize = 4 + 4*500 + 4 + 8

	// maxPathLen bounds the program names read from user memory.
	maxPathLen = 256

	maxWriteLen = 1 << 20
)
