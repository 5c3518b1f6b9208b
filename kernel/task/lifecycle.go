package task

import (
	"strideos/kernel"
	"strideos/kernel/cpu"
	"strideos/kernel/loader"
	"strideos/kernel/mm/vmm"

	"go.uber.org/zap"
)

// SuspendCurrentAndRunNext moves the running task back to the ready queue
// and returns to the run loop. The call returns when the task is dispatched
// again.
func (k *Kernel) SuspendCurrentAndRunNext() {
	t := k.TakeCurrentTask()
	if t == nil {
		panicFn(k.log, errNoCurrentTask)
		return
	}

	var ctx *Context
	t.inner.With(func(in *taskInner) {
		in.status = Ready
		ctx = in.ctx
	})

	k.AddTask(t)
	k.schedule(ctx)
}

// ExitCurrentAndRunNext terminates the running task with code and returns to
// the run loop. The data pages of the task are released immediately; the
// task itself stays in the children list of its parent until reaped. Tasks
// without a live parent are released at once. The calling flow never
// resumes.
func (k *Kernel) ExitCurrentAndRunNext(code int32) {
	t := k.TakeCurrentTask()
	if t == nil {
		panicFn(k.log, errNoCurrentTask)
		return
	}

	var (
		children []*TaskControlBlock
		parent   int
	)
	t.inner.With(func(in *taskInner) {
		in.status = Exited
		in.exitCode = code
		in.space.RecycleDataPages()
		children, in.children = in.children, nil
		parent = in.parent
	})

	k.log.Info("task exited", zap.Int("pid", t.pid), zap.Int32("code", code))

	for _, child := range children {
		var zombie bool
		child.inner.With(func(in *taskInner) {
			in.parent = noParent
			in.refs--
			zombie = in.status == Exited
		})
		if zombie {
			k.drop(child)
		}
	}

	if parent == noParent || k.lookup(parent) == nil {
		k.drop(t)
	}

	k.schedule(nil)
}

// link records child as a child of parent.
func link(parent, child *TaskControlBlock) {
	parent.inner.With(func(in *taskInner) {
		in.children = append(in.children, child)
	})
	child.inner.With(func(in *taskInner) { in.refs++ })
}

// Fork creates a child of the running task with a deep copy of its address
// space and user state. The child observes a zero return value in a0 and
// starts with the default priority, a zero stride and cleared accounting.
func (k *Kernel) Fork() (*TaskControlBlock, *kernel.Error) {
	parent := k.mustCurrent()

	var (
		space *vmm.AddressSpace
		tc    cpu.TrapContext
		err   *kernel.Error
	)
	parent.inner.With(func(in *taskInner) {
		space, err = in.space.Clone()
		tc = *in.trapCx
	})
	if err != nil {
		return nil, err
	}
	tc.X[cpu.A0] = 0

	child := k.newTask(space, tc, parent.pid)
	link(parent, child)
	k.AddTask(child)

	k.log.Debug("forked", zap.Int("pid", parent.pid), zap.Int("child", child.pid))
	return child, nil
}

// Spawn creates a child of the running task from the named program image.
// Unlike Fork the child shares nothing with its parent.
func (k *Kernel) Spawn(name string) (*TaskControlBlock, *kernel.Error) {
	parent := k.mustCurrent()

	data, ok := k.images.Lookup(name)
	if !ok {
		k.log.Warn("spawn: program not found", zap.Int("pid", parent.pid), zap.String("image", name))
		return nil, ErrImageNotFound
	}

	loaded, err := loader.Load(k.frames, data)
	if err != nil {
		return nil, err
	}

	child := k.newTask(loaded.Space, cpu.NewTrapContext(loaded.Entry, loaded.UserSP), parent.pid)
	link(parent, child)
	k.AddTask(child)

	k.log.Debug("spawned", zap.Int("pid", parent.pid), zap.Int("child", child.pid), zap.String("image", name))
	return child, nil
}

// Exec replaces the address space and user state of the running task with
// a fresh instance of image. The pid, children and accounting are kept. The
// old address space is released only after the new one has been built.
func (k *Kernel) Exec(image []byte) *kernel.Error {
	t := k.mustCurrent()

	loaded, err := loader.Load(k.frames, image)
	if err != nil {
		return err
	}

	var old *vmm.AddressSpace
	t.inner.With(func(in *taskInner) {
		old, in.space = in.space, loaded.Space
		*in.trapCx = cpu.NewTrapContext(loaded.Entry, loaded.UserSP)
	})
	old.Destroy()

	k.log.Debug("exec", zap.Int("pid", t.pid))
	return nil
}

// Wait reaps an exited child of the running task. pidFilter -1 matches any
// child. Wait returns -1 if no child matches, -2 if the matching children
// are all still alive and the pid of the reaped child together with its exit
// code otherwise.
func (k *Kernel) Wait(pidFilter int) (int, int32) {
	t := k.mustCurrent()

	var (
		reaped *TaskControlBlock
		found  bool
	)
	t.inner.With(func(in *taskInner) {
		for idx, child := range in.children {
			if pidFilter != -1 && pidFilter != child.pid {
				continue
			}
			found = true

			if child.Status() == Exited {
				reaped = child
				in.children = append(in.children[:idx], in.children[idx+1:]...)
				return
			}
		}
	})

	switch {
	case !found:
		return -1, 0
	case reaped == nil:
		return -2, 0
	}

	var (
		refs int
		code int32
	)
	reaped.inner.With(func(in *taskInner) {
		refs = in.refs
		in.refs--
		code = in.exitCode
	})
	if refs != 1 {
		k.log.Error("reaped task still referenced", zap.Int("pid", reaped.pid), zap.Int("refs", refs))
		panicFn(k.log, errZombieReferred)
		return -1, 0
	}

	k.drop(reaped)
	return reaped.pid, code
}
