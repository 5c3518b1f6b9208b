package task

import "strideos/kernel"

var errPidNotAllocated = &kernel.Error{Module: "pid", Message: "releasing a pid that is not allocated"}

// pidAllocator hands out process ids. Released ids are reused in LIFO order
// before new ids are minted. Pid 0 belongs to the first root task and is
// retired instead of recycled, since a zero fork result marks the child.
type pidAllocator struct {
	next     int
	recycled []int
	retired  bool
}

func (a *pidAllocator) alloc() int {
	if n := len(a.recycled); n > 0 {
		pid := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return pid
	}

	pid := a.next
	a.next++
	return pid
}

func (a *pidAllocator) release(pid int) *kernel.Error {
	if pid < 0 || pid >= a.next {
		return errPidNotAllocated
	}
	if pid == 0 {
		if a.retired {
			return errPidNotAllocated
		}
		a.retired = true
		return nil
	}
	for _, p := range a.recycled {
		if p == pid {
			return errPidNotAllocated
		}
	}

	a.recycled = append(a.recycled, pid)
	return nil
}
