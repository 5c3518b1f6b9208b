package task

const (
	// BigStride is divided by the priority of a task to obtain its pass.
	// Priorities above BigStride yield a zero pass.
	BigStride int64 = 1 << 32

	// MinPriority is the smallest accepted scheduling weight.
	MinPriority = 2

	// DefaultPriority is the weight of tasks created by the kernel.
	DefaultPriority = 16

	// MaxSyscallNum bounds the syscall ids that are counted per task.
	MaxSyscallNum = 500
)

// Manager is the stride-ordered ready queue.
//
// Strides are plain int64 values compared with <. A task whose stride
// overflows is misordered; with BigStride = 2^32 and a minimum priority of 2
// this takes more than 2^32 dispatches of a single task.
type Manager struct {
	ready []*TaskControlBlock
}

// Add charges the pass of task to its stride and appends it to the queue.
func (m *Manager) Add(task *TaskControlBlock) {
	task.inner.With(func(in *taskInner) {
		in.stride += in.pass
		in.refs++
	})
	m.ready = append(m.ready, task)
}

// Fetch removes and returns the task with the smallest stride. Ties are
// broken in favour of the task that was added first. Fetch returns nil when
// the queue is empty.
func (m *Manager) Fetch() *TaskControlBlock {
	minIdx := -1
	var minStride int64
	for idx, task := range m.ready {
		stride := task.Stride()
		if minIdx < 0 || stride < minStride {
			minIdx, minStride = idx, stride
		}
	}

	if minIdx < 0 {
		return nil
	}

	task := m.ready[minIdx]
	m.ready = append(m.ready[:minIdx], m.ready[minIdx+1:]...)
	task.inner.With(func(in *taskInner) { in.refs-- })
	return task
}

// Len returns the number of queued tasks.
func (m *Manager) Len() int {
	return len(m.ready)
}

