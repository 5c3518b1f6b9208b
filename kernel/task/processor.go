package task

import (
	"context"
	"time"

	"strideos/kernel/cpu"

	"go.uber.org/zap"
)

// Processor records the task running on the core and the idle context that
// hosts the run loop. current is set only while a task executes.
type Processor struct {
	current *TaskControlBlock
	idle    *Context
}

// Current returns the running task without changing the processor.
func (p *Processor) Current() *TaskControlBlock {
	return p.current
}

// TakeCurrent clears the current slot and returns the task it held.
func (p *Processor) TakeCurrent() *TaskControlBlock {
	t := p.current
	p.current = nil
	return t
}

// CurrentTask returns the task running on the processor or nil.
func (k *Kernel) CurrentTask() (t *TaskControlBlock) {
	k.processor.With(func(p *Processor) { t = p.Current() })
	return t
}

// TakeCurrentTask removes the running task from the processor and returns
// it. The processor no longer counts as a holder of the task.
func (k *Kernel) TakeCurrentTask() *TaskControlBlock {
	var t *TaskControlBlock
	k.processor.With(func(p *Processor) { t = p.TakeCurrent() })
	if t != nil {
		t.inner.With(func(in *taskInner) { in.refs-- })
	}
	return t
}

// mustCurrent returns the running task. Calling a current-task entry point
// from the idle flow is a kernel bug.
func (k *Kernel) mustCurrent() *TaskControlBlock {
	t := k.CurrentTask()
	if t == nil {
		panicFn(k.log, errNoCurrentTask)
	}
	return t
}

// bind makes t the current task of the processor.
func (p *Processor) bind(t *TaskControlBlock) {
	p.current = t
	t.inner.With(func(in *taskInner) { in.refs++ })
}

// RunFirstTask starts the run loop. At least one task must have been added
// beforehand.
func (k *Kernel) RunFirstTask(ctx context.Context) error {
	k.log.Info("starting run loop", zap.Int("ready", k.ReadyCount()))
	return k.RunTasks(ctx)
}

// RunTasks is the scheduling loop executed by the idle context. It repeatedly
// fetches the task with the smallest stride and switches into it. When the
// ready queue is empty the idle policy decides between returning
// ErrNoReadyTask and polling until ctx is cancelled. RunTasks returns nil
// once ctx is cancelled.
func (k *Kernel) RunTasks(ctx context.Context) error {
	idleWarned := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		pg := k.processor.Exclusive()
		proc := pg.Get()
		if proc.current != nil {
			pg.Release()
			panicFn(k.log, errRunLoopReentered)
			return nil
		}

		var next *TaskControlBlock
		k.manager.With(func(m *Manager) { next = m.Fetch() })

		if next == nil {
			pg.Release()

			if k.cfg.IdlePolicy != IdlePoll {
				k.log.Info("no ready task; halting")
				return ErrNoReadyTask
			}

			if !idleWarned {
				k.log.Warn("no ready task; polling", zap.Duration("interval", k.cfg.IdlePoll))
				idleWarned = true
			}

			if !k.idleWait(ctx) {
				return nil
			}
			continue
		}
		idleWarned = false

		var (
			taskCtx *Context
			stride  int64
		)
		next.inner.With(func(in *taskInner) {
			if !in.firstRunSet {
				in.firstRun = k.clock.Now()
				in.firstRunSet = true
			}
			in.status = Running
			taskCtx, stride = in.ctx, in.stride
		})
		proc.bind(next)
		idle := proc.idle
		pg.Release()

		k.log.Debug("dispatch", zap.Int("pid", next.pid), zap.Int64("stride", stride))
		k.switchTo(idle, taskCtx)
	}
}

// idleWait sleeps for one poll interval. It returns false if ctx was
// cancelled in the meantime.
func (k *Kernel) idleWait(ctx context.Context) bool {
	t := time.NewTimer(k.cfg.IdlePoll)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// userLoop is the body of every task context: it runs the current task in
// user mode and hands each trap to the trap handler.
func (k *Kernel) userLoop() {
	if k.traps == nil {
		panicFn(k.log, errNoTrapHandler)
		return
	}

	for {
		var (
			tc  *cpu.TrapContext
			bus cpu.Bus
		)
		k.mustCurrent().inner.With(func(in *taskInner) {
			tc = in.trapCx
			bus = in.space
			k.hart.SwitchPDT(in.space.Token())
		})

		trap := k.hart.Run(tc, bus, k.cfg.TimeSlice)
		k.traps.HandleTrap(trap)
	}
}
