// Package user contains the programs bundled with the kernel. Each program is
// assembled into a loader image at registry construction time.
package user

import (
	"strconv"

	"strideos/kernel"
	"strideos/kernel/cpu"
	"strideos/kernel/loader"
	"strideos/kernel/syscall"
)

// Memory the demo programs map with mmap.
const mmapBase = 0x10000000

// StrideWindow is the time, in microseconds, each stride worker keeps
// counting.
const StrideWindow = 300000

// ExitMagic is the exit code exittest expects from its child.
const ExitMagic = -0x10384

// StridePriorities lists the priorities of the stride workers.
var StridePriorities = []int64{5, 10, 20}

var programs = map[string]func(b *loader.Builder){
	"initproc": initproc,
	"hello":    hello,
	"forktest": forktest,
	"exittest": exittest,
	"mmap":     mmapTest,
	"stride":   strideParent,
}

// Apps are the programs started by initproc.
var Apps = []string{"hello", "forktest", "exittest", "mmap", "stride"}

func init() {
	for _, prio := range StridePriorities {
		programs[StrideWorkerName(prio)] = strideWorker(prio)
	}
}

// StrideWorkerName returns the image name of the stride worker running at
// prio.
func StrideWorkerName(prio int64) string {
	return "stride_" + strconv.FormatInt(prio, 10)
}

// NewRegistry assembles every bundled program and registers it under its
// name.
func NewRegistry() (*loader.Registry, *kernel.Error) {
	reg := loader.NewRegistry()
	for name, build := range programs {
		b := loader.NewBuilder()
		build(b)

		image, err := b.Build()
		if err != nil {
			return nil, err
		}
		reg.Register(name, image)
	}
	return reg, nil
}

// puts writes s to stdout. It clobbers a0-a2 and a7.
func puts(b *loader.Builder, s string) {
	addr := b.String(s)
	b.Text().
		LI(cpu.A0, 1).
		LI(cpu.A1, addr).
		LI(cpu.A2, int64(len(s))).
		Syscall(syscall.SysWrite)
}

// exit terminates the program with code.
func exit(b *loader.Builder, code int64) {
	b.Text().LI(cpu.A0, code).Syscall(syscall.SysExit)
}

func hello(b *loader.Builder) {
	puts(b, "Hello, world!\n")
	exit(b, 0)
}

// initproc spawns every app and reaps them until no child is left.
func initproc(b *loader.Builder) {
	text := b.Text()
	for _, app := range Apps {
		name := b.String(app)
		text.LI(cpu.A0, name).Syscall(syscall.SysSpawn)
	}

	text.
		Label("wait").
		LI(cpu.A0, -1).
		LI(cpu.A1, 0).
		Syscall(syscall.SysWaitPid).
		LI(cpu.T0, -1).
		BEQ(cpu.A0, cpu.T0, "done").
		LI(cpu.T0, -2).
		BNE(cpu.A0, cpu.T0, "wait").
		Syscall(syscall.SysYield).
		J("wait").
		Label("done")
	puts(b, "initproc: all apps exited\n")
	exit(b, 0)
}

// forktest forks four children that exit with 100+i and checks the sum of
// their exit codes.
func forktest(b *loader.Builder) {
	const children = 4
	code := b.Zeroed(8)
	text := b.Text()

	text.
		LI(cpu.S0, 0).
		LI(cpu.S2, children).
		Label("fork").
		Syscall(syscall.SysFork).
		BEQ(cpu.A0, cpu.Zero, "child").
		ADDI(cpu.S0, cpu.S0, 1).
		BLT(cpu.S0, cpu.S2, "fork").
		LI(cpu.S3, 0).
		Label("wait").
		LI(cpu.A0, -1).
		LI(cpu.A1, code).
		Syscall(syscall.SysWaitPid).
		LI(cpu.T0, -1).
		BEQ(cpu.A0, cpu.T0, "done").
		LI(cpu.T0, -2).
		BNE(cpu.A0, cpu.T0, "reaped").
		Syscall(syscall.SysYield).
		J("wait").
		Label("reaped").
		LI(cpu.T1, code).
		LD(cpu.T0, cpu.T1, 0).
		ADD(cpu.S3, cpu.S3, cpu.T0).
		J("wait").
		Label("done").
		LI(cpu.T0, 4*100+0+1+2+3).
		BNE(cpu.S3, cpu.T0, "fail")
	puts(b, "forktest passed\n")
	exit(b, 0)

	text.Label("fail")
	puts(b, "forktest failed\n")
	exit(b, 1)

	text.Label("child")
	puts(b, "hello from child\n")
	text.ADDI(cpu.A0, cpu.S0, 100).Syscall(syscall.SysExit)
}

// exittest checks that the exit code of a child reaches its parent.
func exittest(b *loader.Builder) {
	code := b.Zeroed(8)
	text := b.Text()

	text.
		Syscall(syscall.SysFork).
		BEQ(cpu.A0, cpu.Zero, "child").
		MV(cpu.S1, cpu.A0).
		Label("wait").
		MV(cpu.A0, cpu.S1).
		LI(cpu.A1, code).
		Syscall(syscall.SysWaitPid).
		LI(cpu.T0, -2).
		BNE(cpu.A0, cpu.T0, "reaped").
		Syscall(syscall.SysYield).
		J("wait").
		Label("reaped").
		BNE(cpu.A0, cpu.S1, "fail").
		// Only the low 32 bits hold the exit code.
		LI(cpu.T1, code).
		LD(cpu.T0, cpu.T1, 0).
		SLLI(cpu.T0, cpu.T0, 32).
		LI(cpu.T1, ExitMagic).
		SLLI(cpu.T1, cpu.T1, 32).
		BNE(cpu.T0, cpu.T1, "fail")
	puts(b, "exittest passed\n")
	exit(b, 0)

	text.Label("fail")
	puts(b, "exittest failed\n")
	exit(b, 1)

	text.Label("child").Syscall(syscall.SysYield)
	exit(b, ExitMagic)
}

// mmapTest maps two pages, checks that they hold what was stored and that
// invalid requests are refused.
func mmapTest(b *loader.Builder) {
	text := b.Text()

	text.
		LI(cpu.A0, mmapBase).
		LI(cpu.A1, 8192).
		LI(cpu.A2, 3).
		Syscall(syscall.SysMmap).
		BNE(cpu.A0, cpu.Zero, "fail").
		LI(cpu.S0, mmapBase).
		SD(cpu.S0, cpu.S0, 0).
		SD(cpu.S0, cpu.S0, 4096).
		LD(cpu.T0, cpu.S0, 0).
		BNE(cpu.T0, cpu.S0, "fail").
		LD(cpu.T0, cpu.S0, 4096).
		BNE(cpu.T0, cpu.S0, "fail").
		// Overlapping and permissionless requests fail.
		LI(cpu.A0, mmapBase+4096).
		LI(cpu.A1, 4096).
		LI(cpu.A2, 1).
		Syscall(syscall.SysMmap).
		BEQ(cpu.A0, cpu.Zero, "fail").
		LI(cpu.A0, mmapBase+16384).
		LI(cpu.A1, 4096).
		LI(cpu.A2, 0).
		Syscall(syscall.SysMmap).
		BEQ(cpu.A0, cpu.Zero, "fail").
		LI(cpu.A0, mmapBase).
		LI(cpu.A1, 8192).
		Syscall(syscall.SysMunmap).
		BNE(cpu.A0, cpu.Zero, "fail")
	puts(b, "mmap passed\n")
	exit(b, 0)

	text.Label("fail")
	puts(b, "mmap failed\n")
	exit(b, 1)
}

// strideParent spawns one worker per priority and reaps them.
func strideParent(b *loader.Builder) {
	text := b.Text()
	for _, prio := range StridePriorities {
		name := b.String(StrideWorkerName(prio))
		text.LI(cpu.A0, name).Syscall(syscall.SysSpawn)
	}

	text.
		Label("wait").
		LI(cpu.A0, -1).
		LI(cpu.A1, 0).
		Syscall(syscall.SysWaitPid).
		LI(cpu.T0, -1).
		BEQ(cpu.A0, cpu.T0, "done").
		LI(cpu.T0, -2).
		BNE(cpu.A0, cpu.T0, "wait").
		Syscall(syscall.SysYield).
		J("wait").
		Label("done")
	puts(b, "stride test finished\n")
	exit(b, 0)
}

// strideWorker counts blocks of busy work for StrideWindow microseconds
// and exits with the count.
func strideWorker(prio int64) func(b *loader.Builder) {
	return func(b *loader.Builder) {
		tv := b.Zeroed(syscall.TimeValSize)
		b.Text().
			LI(cpu.A0, prio).
			Syscall(syscall.SysSetPriority).
			Call("now").
			LI(cpu.T0, StrideWindow).
			ADD(cpu.S2, cpu.A0, cpu.T0).
			LI(cpu.S1, 0).
			Label("loop").
			LI(cpu.S3, 1000).
			Label("spin").
			ADDI(cpu.S3, cpu.S3, -1).
			BNE(cpu.S3, cpu.Zero, "spin").
			ADDI(cpu.S1, cpu.S1, 1).
			Call("now").
			BLT(cpu.A0, cpu.S2, "loop").
			MV(cpu.A0, cpu.S1).
			Syscall(syscall.SysExit).
			// now returns the current time in microseconds in a0.
			Label("now").
			LI(cpu.A0, tv).
			Syscall(syscall.SysGetTime).
			LI(cpu.T1, tv).
			LD(cpu.T0, cpu.T1, 0).
			LI(cpu.T2, 1000000).
			MUL(cpu.T0, cpu.T0, cpu.T2).
			LD(cpu.T2, cpu.T1, 8).
			ADD(cpu.A0, cpu.T0, cpu.T2).
			Ret()
	}
}
