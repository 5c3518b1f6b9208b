package syscall

import (
	"encoding/binary"
	"io"
	"time"

	"strideos/kernel/cpu"
	"strideos/kernel/mm"
	"strideos/kernel/mm/vmm"
	"strideos/kernel/task"

	"go.uber.org/zap"
)

// syscallFn services a single syscall. args holds a0, a1 and a2.
type syscallFn func(h *Handler, args [3]uint64) int64

var table = map[uint64]syscallFn{
	SysWrite:       sysWrite,
	SysExit:        sysExit,
	SysYield:       sysYield,
	SysSetPriority: sysSetPriority,
	SysGetTime:     sysGetTime,
	SysGetPid:      sysGetPid,
	SysSbrk:        sysSbrk,
	SysMunmap:      sysMunmap,
	SysFork:        sysFork,
	SysExec:        sysExec,
	SysMmap:        sysMmap,
	SysWaitPid:     sysWaitPid,
	SysSpawn:       sysSpawn,
	SysTaskInfo:    sysTaskInfo,
}

// Handler dispatches user traps to the kernel services. It implements
// task.TrapHandler.
type Handler struct {
	k       *task.Kernel
	log     *zap.Logger
	console io.Writer
}

// NewHandler returns a handler that services the traps of k. Output written
// to fd 1 and 2 goes to console.
func NewHandler(k *task.Kernel, console io.Writer) *Handler {
	return &Handler{
		k:       k,
		log:     k.Logger().Named("syscall"),
		console: console,
	}
}

// HandleTrap services trap on behalf of the current task.
func (h *Handler) HandleTrap(trap cpu.Trap) {
	switch trap.Cause {
	case cpu.CauseSyscall:
		h.syscall()
	case cpu.CauseTimer:
		h.k.SuspendCurrentAndRunNext()
	case cpu.CauseIllegal:
		h.kill(trap, ExitIllegal)
	default:
		h.kill(trap, ExitFault)
	}
}

func (h *Handler) syscall() {
	tc := h.k.CurrentTrapContext()
	tc.PC += cpu.InstructionSize

	id := tc.X[cpu.A7]
	args := [3]uint64{tc.X[cpu.A0], tc.X[cpu.A1], tc.X[cpu.A2]}
	h.k.IncSyscallCount(id)

	fn, ok := table[id]
	if !ok {
		h.log.Warn("unsupported syscall", zap.Int("pid", h.k.CurrentTask().Pid()), zap.Uint64("syscall", id))
		tc.X[cpu.A0] = ^uint64(0)
		return
	}

	if ce := h.log.Check(zap.DebugLevel, "syscall"); ce != nil {
		ce.Write(zap.Int("pid", h.k.CurrentTask().Pid()), zap.String("name", Name(id)))
	}
	ret := fn(h, args)

	// exec replaces the trap context contents so it is fetched again.
	h.k.CurrentTrapContext().X[cpu.A0] = uint64(ret)
}

// kill terminates the current task after an unrecoverable user trap.
func (h *Handler) kill(trap cpu.Trap, code int32) {
	tc := h.k.CurrentTrapContext()
	h.log.Warn("killing task",
		zap.Int("pid", h.k.CurrentTask().Pid()),
		zap.Stringer("cause", trap.Cause),
		zap.Uint64("addr", trap.Addr),
		zap.Uint64("pc", tc.PC),
		zap.Int32("code", code),
	)
	h.k.ExitCurrentAndRunNext(code)
}

func (h *Handler) space() *vmm.AddressSpace {
	return h.k.CurrentSpace()
}

func sysWrite(h *Handler, args [3]uint64) int64 {
	fd, addr, length := args[0], uintptr(args[1]), args[2]
	if (fd != 1 && fd != 2) || length > maxWriteLen {
		return -1
	}

	buf := make([]byte, length)
	if err := h.space().Load(addr, buf, mm.AccessRead); err != nil {
		h.log.Debug("write: bad buffer", zap.Uint64("addr", uint64(addr)), zap.Error(err))
		return -1
	}

	n, err := h.console.Write(buf)
	if err != nil {
		return -1
	}
	return int64(n)
}

func sysExit(h *Handler, args [3]uint64) int64 {
	h.k.ExitCurrentAndRunNext(int32(args[0]))
	return 0
}

func sysYield(h *Handler, _ [3]uint64) int64 {
	h.k.SuspendCurrentAndRunNext()
	return 0
}

func sysSetPriority(h *Handler, args [3]uint64) int64 {
	prio, _ := h.k.SetPriority(int64(args[0]))
	return prio
}

func sysGetTime(h *Handler, args [3]uint64) int64 {
	us := uint64(h.k.Clock().Now() / time.Microsecond)

	var buf [TimeValSize]byte
	binary.LittleEndian.PutUint64(buf[0:], us/1000000)
	binary.LittleEndian.PutUint64(buf[8:], us%1000000)
	if err := h.space().Store(uintptr(args[0]), buf[:], mm.AccessWrite); err != nil {
		return -1
	}
	return 0
}

func sysGetPid(h *Handler, _ [3]uint64) int64 {
	return int64(h.k.CurrentTask().Pid())
}

func sysSbrk(h *Handler, args [3]uint64) int64 {
	old, err := h.k.ChangeProgramBrk(int64(int32(args[0])))
	if err != nil {
		return -1
	}
	return int64(old)
}

func sysMunmap(h *Handler, args [3]uint64) int64 {
	if err := h.k.DeallocateRegion(uintptr(args[0]), uintptr(args[1])); err != nil {
		h.log.Debug("munmap rejected", zap.Uint64("addr", args[0]), zap.Error(err))
		return -1
	}
	return 0
}

func sysFork(h *Handler, _ [3]uint64) int64 {
	child, err := h.k.Fork()
	if err != nil {
		h.log.Warn("fork failed", zap.Error(err))
		return -1
	}
	return int64(child.Pid())
}

func sysExec(h *Handler, args [3]uint64) int64 {
	name, err := h.space().ReadCString(uintptr(args[0]), maxPathLen)
	if err != nil {
		return -1
	}

	image, ok := h.k.Images().Lookup(name)
	if !ok {
		return -1
	}

	if err := h.k.Exec(image); err != nil {
		h.log.Warn("exec failed", zap.String("image", name), zap.Error(err))
		return -1
	}
	return 0
}

func sysMmap(h *Handler, args [3]uint64) int64 {
	if err := h.k.AllocateRegion(uintptr(args[0]), uintptr(args[1]), vmm.Prot(args[2])); err != nil {
		h.log.Debug("mmap rejected", zap.Uint64("addr", args[0]), zap.Error(err))
		return -1
	}
	return 0
}

func sysWaitPid(h *Handler, args [3]uint64) int64 {
	pid, code := h.k.Wait(int(int64(args[0])))
	if pid < 0 || args[1] == 0 {
		return int64(pid)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(code))
	if err := h.space().Store(uintptr(args[1]), buf[:], mm.AccessWrite); err != nil {
		h.log.Warn("waitpid: exit code lost", zap.Int("child", pid), zap.Error(err))
	}
	return int64(pid)
}

func sysSpawn(h *Handler, args [3]uint64) int64 {
	name, err := h.space().ReadCString(uintptr(args[0]), maxPathLen)
	if err != nil {
		return -1
	}

	child, err := h.k.Spawn(name)
	if err != nil {
		return -1
	}
	return int64(child.Pid())
}

func sysTaskInfo(h *Handler, args [3]uint64) int64 {
	info := h.k.TaskInfo()

	buf := make([]byte, TaskInfoSize)
	binary.LittleEndian.PutUint32(buf, uint32(info.Status))
	for i, n := range info.SyscallTimes {
		binary.LittleEndian.PutUint32(buf[4+4*i:], n)
	}
	binary.LittleEndian.PutUint64(buf[TaskInfoSize-8:], info.TimeMs)

	if err := h.space().Store(uintptr(args[0]), buf, mm.AccessWrite); err != nil {
		return -1
	}
	return 0
}
