package task

import (
	"time"

	"strideos/kernel"
	"strideos/kernel/cpu"
	"strideos/kernel/kfmt"
	"strideos/kernel/loader"
	"strideos/kernel/mm"
	"strideos/kernel/mm/vmm"
	ksync "strideos/kernel/sync"
	"strideos/kernel/timer"

	"go.uber.org/zap"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrNoReadyTask is returned by the run loop when the ready queue is
	// empty and the idle policy is IdleHalt.
	ErrNoReadyTask = &kernel.Error{Module: "task", Message: "no ready task to run"}

	// ErrImageNotFound is returned when a program name cannot be resolved.
	ErrImageNotFound = &kernel.Error{Module: "task", Message: "program image not found"}

	// ErrInvalidPriority is returned for priorities below MinPriority.
	ErrInvalidPriority = &kernel.Error{Module: "task", Message: "priority must be at least 2"}

	errNoCurrentTask    = &kernel.Error{Module: "task", Message: "no task is running on the processor"}
	errNoTrapHandler    = &kernel.Error{Module: "task", Message: "no trap handler installed"}
	errEntryReturned    = &kernel.Error{Module: "task", Message: "task entry returned"}
	errZombieReferred   = &kernel.Error{Module: "task", Message: "reaped task is still referenced"}
	errTaskNotInTable   = &kernel.Error{Module: "task", Message: "task missing from the process table"}
	errRunLoopReentered = &kernel.Error{Module: "task", Message: "run loop entered while a task is current"}
)

// IdlePolicy selects what the run loop does when the ready queue is empty.
type IdlePolicy string

const (
	// IdleHalt stops the run loop with ErrNoReadyTask.
	IdleHalt IdlePolicy = "halt"

	// IdlePoll keeps polling the ready queue until the run loop is
	// cancelled.
	IdlePoll IdlePolicy = "poll"
)

// Config holds the scheduling parameters of a kernel.
type Config struct {
	// DefaultPriority is assigned to every new task.
	DefaultPriority int64

	// TimeSlice is the number of instructions a task may retire before it
	// is preempted. Zero disables the budget.
	TimeSlice uint64

	IdlePolicy IdlePolicy
	IdlePoll   time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultPriority: DefaultPriority,
		TimeSlice:       10000,
		IdlePolicy:      IdleHalt,
		IdlePoll:        10 * time.Millisecond,
	}
}

// TrapHandler services the traps raised while a task runs in user mode.
type TrapHandler interface {
	HandleTrap(trap cpu.Trap)
}

// Kernel ties together the ready queue, the processor, the process table
// and the services the task layer consumes.
type Kernel struct {
	cfg     Config
	log     *zap.Logger
	tracker *ksync.Tracker

	frames mm.FrameAllocator
	images loader.ImageSource
	clock  timer.Clock
	hart   *cpu.Hart
	traps  TrapHandler

	manager   *ksync.Cell[Manager]
	processor *ksync.Cell[Processor]
	pids      *ksync.Cell[pidAllocator]
	table     *ksync.Cell[map[int]*TaskControlBlock]
}

// NewKernel creates a kernel with an empty ready queue and an idle
// processor.
func NewKernel(cfg Config, log *zap.Logger, frames mm.FrameAllocator, images loader.ImageSource, clock timer.Clock) *Kernel {
	tr := ksync.NewTracker()
	return &Kernel{
		cfg:       cfg,
		log:       log,
		tracker:   tr,
		frames:    frames,
		images:    images,
		clock:     clock,
		hart:      cpu.NewHart(),
		manager:   ksync.NewCell(tr, Manager{}),
		processor: ksync.NewCell(tr, Processor{idle: newIdleContext()}),
		pids:      ksync.NewCell(tr, pidAllocator{}),
		table:     ksync.NewCell(tr, make(map[int]*TaskControlBlock)),
	}
}

// Hart returns the hart that executes user code.
func (k *Kernel) Hart() *cpu.Hart {
	return k.hart
}

// Clock returns the time source of the kernel.
func (k *Kernel) Clock() timer.Clock {
	return k.clock
}

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() mm.FrameAllocator {
	return k.frames
}

// Images returns the source of program images.
func (k *Kernel) Images() loader.ImageSource {
	return k.images
}

// Logger returns the kernel logger.
func (k *Kernel) Logger() *zap.Logger {
	return k.log
}

// SetTrapHandler installs the handler that services user traps.
func (k *Kernel) SetTrapHandler(h TrapHandler) {
	k.traps = h
}

// newTask creates a ready task with a fresh pid and registers it in the
// process table. The task is not enqueued.
func (k *Kernel) newTask(space *vmm.AddressSpace, tc cpu.TrapContext, parent int) *TaskControlBlock {
	pg := k.pids.Exclusive()
	pid := pg.Get().alloc()
	pg.Release()

	trapCx := tc
	t := &TaskControlBlock{
		pid: pid,
		inner: ksync.NewCell(k.tracker, taskInner{
			status: Ready,
			ctx:    newContext(k.userLoop),
			trapCx: &trapCx,
			space:  space,
			parent: parent,
		}),
	}
	t.inner.With(func(in *taskInner) { in.setPriority(k.cfg.DefaultPriority) })

	k.table.With(func(table *map[int]*TaskControlBlock) { (*table)[pid] = t })
	return t
}

// lookup returns the live task with the given pid.
func (k *Kernel) lookup(pid int) (t *TaskControlBlock) {
	k.table.With(func(table *map[int]*TaskControlBlock) { t = (*table)[pid] })
	return t
}

// Lookup returns the task with the given pid or nil if there is none.
func (k *Kernel) Lookup(pid int) *TaskControlBlock {
	return k.lookup(pid)
}

// TaskCount returns the number of tasks in the process table, zombies
// included.
func (k *Kernel) TaskCount() (n int) {
	k.table.With(func(table *map[int]*TaskControlBlock) { n = len(*table) })
	return n
}

// ReadyCount returns the number of tasks in the ready queue.
func (k *Kernel) ReadyCount() (n int) {
	k.manager.With(func(m *Manager) { n = m.Len() })
	return n
}

// drop releases every resource of a task that nobody refers to anymore.
func (k *Kernel) drop(t *TaskControlBlock) {
	var space *vmm.AddressSpace
	t.inner.With(func(in *taskInner) {
		space, in.space = in.space, nil
	})
	if space != nil {
		space.Destroy()
	}

	found := false
	k.table.With(func(table *map[int]*TaskControlBlock) {
		if _, found = (*table)[t.pid]; found {
			delete(*table, t.pid)
		}
	})
	if !found {
		panicFn(k.log, errTaskNotInTable)
		return
	}

	pg := k.pids.Exclusive()
	err := pg.Get().release(t.pid)
	pg.Release()
	if err != nil {
		panicFn(k.log, err)
	}
}

// AddTask makes t eligible for dispatch.
func (k *Kernel) AddTask(t *TaskControlBlock) {
	k.manager.With(func(m *Manager) { m.Add(t) })
	k.log.Debug("task enqueued", zap.Int("pid", t.pid), zap.Int64("stride", t.Stride()))
}

// LoadInitial creates and enqueues one root task per image name.
func (k *Kernel) LoadInitial(names []string) *kernel.Error {
	for _, name := range names {
		data, ok := k.images.Lookup(name)
		if !ok {
			k.log.Error("initial program not found", zap.String("image", name))
			return ErrImageNotFound
		}

		loaded, err := loader.Load(k.frames, data)
		if err != nil {
			return err
		}

		t := k.newTask(loaded.Space, cpu.NewTrapContext(loaded.Entry, loaded.UserSP), noParent)
		k.log.Info("loaded initial task", zap.String("image", name), zap.Int("pid", t.pid))
		k.AddTask(t)
	}

	return nil
}

// Shutdown stops the goroutine of every task that has run and releases the
// memory of every task still in the process table. It must be called from
// the flow that ran RunTasks after it returned.
func (k *Kernel) Shutdown() {
	var tasks []*TaskControlBlock
	k.table.With(func(table *map[int]*TaskControlBlock) {
		for _, t := range *table {
			tasks = append(tasks, t)
		}
	})

	k.manager.With(func(m *Manager) { m.ready = nil })
	k.processor.With(func(p *Processor) { p.current = nil })

	for _, t := range tasks {
		var ctx *Context
		t.inner.With(func(in *taskInner) {
			ctx = in.ctx
			in.status = Exited
			in.children = nil
			in.refs = 0
		})
		ctx.abort()
	}

	for _, t := range tasks {
		k.drop(t)
	}

	k.log.Info("kernel shut down", zap.Int("tasks", len(tasks)))
}
