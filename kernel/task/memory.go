package task

import (
	"strideos/kernel"
	"strideos/kernel/cpu"
	"strideos/kernel/mm/vmm"
)

// CurrentSpace returns the address space of the running task.
func (k *Kernel) CurrentSpace() *vmm.AddressSpace {
	return k.mustCurrent().Space()
}

// CurrentTrapContext returns the saved user state of the running task.
func (k *Kernel) CurrentTrapContext() *cpu.TrapContext {
	return k.mustCurrent().TrapContext()
}

// AllocateRegion maps fresh memory into the address space of the running
// task. Only the caller's own address space can be changed.
func (k *Kernel) AllocateRegion(start, length uintptr, prot vmm.Prot) (err *kernel.Error) {
	k.mustCurrent().inner.With(func(in *taskInner) {
		err = in.space.Allocate(start, length, prot)
	})
	return err
}

// DeallocateRegion unmaps memory previously mapped by AllocateRegion from
// the address space of the running task.
func (k *Kernel) DeallocateRegion(start, length uintptr) (err *kernel.Error) {
	k.mustCurrent().inner.With(func(in *taskInner) {
		err = in.space.Deallocate(start, length)
	})
	return err
}

// ChangeProgramBrk moves the program break of the running task and returns
// the previous break.
func (k *Kernel) ChangeProgramBrk(delta int64) (old uintptr, err *kernel.Error) {
	k.mustCurrent().inner.With(func(in *taskInner) {
		old, err = in.space.ChangeBrk(delta)
	})
	return old, err
}
