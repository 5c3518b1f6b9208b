package syscall

import (
	"bytes"
	"context"
	"testing"
	"time"

	"strideos/kernel/cpu"
	"strideos/kernel/loader"
	"strideos/kernel/mm/pmm"
	"strideos/kernel/task"
	"strideos/kernel/timer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	k       *task.Kernel
	images  *loader.Registry
	clock   *timer.ManualClock
	console bytes.Buffer
	logs    *observer.ObservedLogs
	alloc   *pmm.BitmapAllocator
}

func newTestEnv(t *testing.T) *testEnv {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(zapcore.NewTee(core, zaptest.NewLogger(t).Core()))

	env := &testEnv{
		images: loader.NewRegistry(),
		clock:  &timer.ManualClock{},
		logs:   logs,
		alloc:  pmm.NewBitmapAllocator(pmm.NewPhysicalMemory(0x80000, 1024)),
	}
	env.k = task.NewKernel(task.DefaultConfig(), log, env.alloc, env.images, env.clock)
	env.k.SetTrapHandler(NewHandler(env.k, &env.console))
	return env
}

func (env *testEnv) register(t *testing.T, name string, build func(b *loader.Builder)) {
	t.Helper()
	b := loader.NewBuilder()
	build(b)
	image, err := b.Build()
	require.Nil(t, err)
	env.images.Register(name, image)
}

// run boots the named programs, runs them to completion and returns the exit
// code of every task by pid.
func (env *testEnv) run(t *testing.T, names ...string) map[int64]int32 {
	t.Helper()
	require.Nil(t, env.k.LoadInitial(names))

	err := env.k.RunFirstTask(context.Background())
	env.k.Shutdown()
	require.Equal(t, task.ErrNoReadyTask, err)
	require.Equal(t, env.alloc.TotalCount(), env.alloc.FreeCount(), "frames leaked")

	exits := make(map[int64]int32)
	for _, entry := range env.logs.FilterMessage("task exited").All() {
		fields := entry.ContextMap()
		exits[fields["pid"].(int64)] = fields["code"].(int32)
	}
	return exits
}

// exitWithResult issues syscall id and exits with its result.
func exitWithResult(id int64, args ...int64) func(b *loader.Builder) {
	return func(b *loader.Builder) {
		text := b.Text()
		for i, arg := range args {
			text.LI(cpu.A0+cpu.Reg(i), arg)
		}
		text.Syscall(id).Syscall(SysExit)
	}
}

func TestWrite(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "hello", func(b *loader.Builder) {
		msg := b.String("hello, world\n")
		b.Text().
			LI(cpu.A0, 1).
			LI(cpu.A1, msg).
			LI(cpu.A2, 13).
			Syscall(SysWrite).
			Syscall(SysExit)
	})

	exits := env.run(t, "hello")
	assert.Equal(t, "hello, world\n", env.console.String())
	assert.Equal(t, map[int64]int32{0: 13}, exits)
}

func TestSimpleSyscallResults(t *testing.T) {
	specs := []struct {
		name  string
		build func(b *loader.Builder)
		exp   int32
	}{
		{"getpid", exitWithResult(SysGetPid), 0},
		{"write to unknown fd", exitWithResult(SysWrite, 3, loader.TextBase, 8), -1},
		{"write from unmapped buffer", exitWithResult(SysWrite, 1, 0x7000000, 8), -1},
		{"set priority", exitWithResult(SysSetPriority, 9), 9},
		{"set invalid priority", exitWithResult(SysSetPriority, 1), -1},
		{"unknown syscall", exitWithResult(999), -1},
		{"spawn with bad pointer", exitWithResult(SysSpawn, 0), -1},
		{"exec with bad pointer", exitWithResult(SysExec, 0), -1},
		{"get time into text", exitWithResult(SysGetTime, loader.TextBase), -1},
		{"waitpid without children", exitWithResult(SysWaitPid, -1, 0), -1},
		{"mmap unaligned", exitWithResult(SysMmap, 0x10000001, 4096, 3), -1},
		{"mmap without permissions", exitWithResult(SysMmap, 0x10000000, 4096, 0), -1},
		{"mmap with unknown bits", exitWithResult(SysMmap, 0x10000000, 4096, 9), -1},
		{"mmap over text", exitWithResult(SysMmap, loader.TextBase, 4096, 3), -1},
		{"mmap", exitWithResult(SysMmap, 0x10000000, 4096, 3), 0},
		{"munmap unmapped", exitWithResult(SysMunmap, 0x10000000, 4096), -1},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.register(t, "prog", spec.build)

			exits := env.run(t, "prog")
			assert.Equal(t, map[int64]int32{0: spec.exp}, exits)
		})
	}

	t.Run("unknown syscall warning", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(t, "prog", exitWithResult(999))
		env.run(t, "prog")

		warnings := env.logs.FilterMessage("unsupported syscall").All()
		require.Len(t, warnings, 1)
		assert.Equal(t, uint64(999), warnings[0].ContextMap()["syscall"])
	})
}

func TestGetTime(t *testing.T) {
	env := newTestEnv(t)
	env.clock.Advance(3*time.Second + 250*time.Millisecond + 17*time.Microsecond)

	env.register(t, "clock", func(b *loader.Builder) {
		tv := b.Zeroed(TimeValSize)
		b.Text().
			LI(cpu.A0, tv).
			Syscall(SysGetTime).
			BNE(cpu.A0, cpu.Zero, "fail").
			LI(cpu.T1, tv).
			LD(cpu.T0, cpu.T1, 0).
			LI(cpu.T2, 1000000).
			MUL(cpu.T0, cpu.T0, cpu.T2).
			LD(cpu.T2, cpu.T1, 8).
			ADD(cpu.A0, cpu.T0, cpu.T2).
			Syscall(SysExit).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit)
	})

	assert.Equal(t, map[int64]int32{0: 3250017}, env.run(t, "clock"))
}

func TestMmapRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	const base = 0x10000000

	env.register(t, "mm", func(b *loader.Builder) {
		b.Text().
			LI(cpu.A0, base).LI(cpu.A1, 8192).LI(cpu.A2, 3).
			Syscall(SysMmap).
			BNE(cpu.A0, cpu.Zero, "fail").
			// Overlapping requests are rejected.
			LI(cpu.A0, base+4096).LI(cpu.A1, 4096).LI(cpu.A2, 1).
			Syscall(SysMmap).
			BEQ(cpu.A0, cpu.Zero, "fail").
			LI(cpu.T1, base+4096).
			LI(cpu.T0, 77).
			SD(cpu.T0, cpu.T1, 8).
			LD(cpu.S1, cpu.T1, 8).
			LI(cpu.A0, base).LI(cpu.A1, 8192).
			Syscall(SysMunmap).
			BNE(cpu.A0, cpu.Zero, "fail").
			MV(cpu.A0, cpu.S1).
			Syscall(SysExit).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit)
	})

	assert.Equal(t, map[int64]int32{0: 77}, env.run(t, "mm"))
}

func TestFaults(t *testing.T) {
	specs := []struct {
		name  string
		build func(b *loader.Builder)
		exp   int32
		cause cpu.TrapCause
	}{
		{
			"access after munmap",
			func(b *loader.Builder) {
				b.Text().
					LI(cpu.A0, 0x10000000).LI(cpu.A1, 4096).LI(cpu.A2, 3).
					Syscall(SysMmap).
					LI(cpu.A0, 0x10000000).LI(cpu.A1, 4096).
					Syscall(SysMunmap).
					LI(cpu.T1, 0x10000000).
					LD(cpu.T0, cpu.T1, 0).
					Syscall(SysExit)
			},
			ExitFault,
			cpu.CauseLoadFault,
		},
		{
			"store to read-only mapping",
			func(b *loader.Builder) {
				b.Text().
					LI(cpu.A0, 0x10000000).LI(cpu.A1, 4096).LI(cpu.A2, 1).
					Syscall(SysMmap).
					LI(cpu.T1, 0x10000000).
					SD(cpu.T0, cpu.T1, 0).
					Syscall(SysExit)
			},
			ExitFault,
			cpu.CauseStoreFault,
		},
		{
			"store to text",
			func(b *loader.Builder) {
				b.Text().
					LI(cpu.T1, loader.TextBase).
					SD(cpu.T0, cpu.T1, 0).
					Syscall(SysExit)
			},
			ExitFault,
			cpu.CauseStoreFault,
		},
		{
			"jump to data",
			func(b *loader.Builder) {
				data := b.Zeroed(8)
				b.Text().
					LI(cpu.T1, data).
					JALR(cpu.Zero, cpu.T1, 0)
			},
			ExitFault,
			cpu.CauseFetchFault,
		},
		{
			"illegal instruction",
			func(b *loader.Builder) {
				b.Text().Raw(cpu.Instruction{Op: cpu.OpIllegal})
			},
			ExitIllegal,
			cpu.CauseIllegal,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.register(t, "bad", spec.build)
			env.register(t, "good", exitWithResult(SysGetPid))

			exits := env.run(t, "bad", "good")
			assert.Equal(t, map[int64]int32{0: spec.exp, 1: 1}, exits, "only the faulting task is killed")

			kills := env.logs.FilterMessage("killing task").All()
			require.Len(t, kills, 1)
			assert.Equal(t, spec.cause.String(), kills[0].ContextMap()["cause"])
		})
	}
}

func TestSbrk(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "heap", func(b *loader.Builder) {
		b.Text().
			LI(cpu.A0, 0).
			Syscall(SysSbrk).
			MV(cpu.S0, cpu.A0).
			LI(cpu.A0, 4096).
			Syscall(SysSbrk).
			BNE(cpu.A0, cpu.S0, "fail").
			LI(cpu.T0, 5).
			SD(cpu.T0, cpu.S0, 4088).
			LD(cpu.S1, cpu.S0, 4088).
			// Shrinking below the heap bottom fails.
			LI(cpu.A0, -8192).
			Syscall(SysSbrk).
			LI(cpu.T0, -1).
			BNE(cpu.A0, cpu.T0, "fail").
			MV(cpu.A0, cpu.S1).
			Syscall(SysExit).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit)
	})

	assert.Equal(t, map[int64]int32{0: 5}, env.run(t, "heap"))
}

func TestTaskInfo(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "info", func(b *loader.Builder) {
		ti := b.Zeroed(TaskInfoSize)
		b.Text().
			Syscall(SysYield).
			Syscall(SysYield).
			LI(cpu.A0, ti).
			Syscall(SysTaskInfo).
			BNE(cpu.A0, cpu.Zero, "fail").
			LI(cpu.T1, ti).
			// status * 10000 + yields * 100 + task_info calls
			LBU(cpu.T0, cpu.T1, 0).
			LI(cpu.T2, 10000).
			MUL(cpu.S0, cpu.T0, cpu.T2).
			LBU(cpu.T0, cpu.T1, 4+4*SysYield).
			LI(cpu.T2, 100).
			MUL(cpu.T0, cpu.T0, cpu.T2).
			ADD(cpu.S0, cpu.S0, cpu.T0).
			LBU(cpu.T0, cpu.T1, 4+4*SysTaskInfo).
			ADD(cpu.A0, cpu.S0, cpu.T0).
			Syscall(SysExit).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit)
	})

	assert.Equal(t, map[int64]int32{0: int32(task.Running)*10000 + 201}, env.run(t, "info"))
}

func TestForkWaitPid(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "forker", func(b *loader.Builder) {
		status := b.Zeroed(8)
		b.Text().
			Syscall(SysFork).
			BEQ(cpu.A0, cpu.Zero, "child").
			MV(cpu.S1, cpu.A0).
			Label("wait").
			MV(cpu.A0, cpu.S1).
			LI(cpu.A1, status).
			Syscall(SysWaitPid).
			LI(cpu.T0, -2).
			BNE(cpu.A0, cpu.T0, "reaped").
			Syscall(SysYield).
			J("wait").
			Label("reaped").
			BNE(cpu.A0, cpu.S1, "fail").
			LI(cpu.T1, status).
			LD(cpu.A0, cpu.T1, 0).
			Syscall(SysExit).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit).
			Label("child").
			LI(cpu.A0, 9).
			Syscall(SysExit)
	})

	assert.Equal(t, map[int64]int32{0: 9, 1: 9}, env.run(t, "forker"))
}

func TestExecAndSpawn(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "hello", func(b *loader.Builder) {
		msg := b.String("hi\n")
		b.Text().
			LI(cpu.A0, 1).LI(cpu.A1, msg).LI(cpu.A2, 3).
			Syscall(SysWrite).
			Syscall(SysGetPid).
			Syscall(SysExit)
	})
	env.register(t, "execer", func(b *loader.Builder) {
		missing := b.String("missing")
		hello := b.String("hello")
		b.Text().
			LI(cpu.A0, missing).
			Syscall(SysExec).
			LI(cpu.T0, -1).
			BNE(cpu.A0, cpu.T0, "fail").
			LI(cpu.A0, missing).
			Syscall(SysSpawn).
			BNE(cpu.A0, cpu.T0, "fail").
			LI(cpu.A0, hello).
			Syscall(SysSpawn).
			BEQ(cpu.A0, cpu.T0, "fail").
			LI(cpu.A0, hello).
			Syscall(SysExec).
			Label("fail").
			LI(cpu.A0, -100).
			Syscall(SysExit)
	})

	exits := env.run(t, "execer")
	// The exec'd image keeps pid 0 and exits with it; the spawned child is
	// pid 1.
	assert.Equal(t, map[int64]int32{0: 0, 1: 1}, exits)
	assert.Equal(t, "hi\nhi\n", env.console.String())
}
