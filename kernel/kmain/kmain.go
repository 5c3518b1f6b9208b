// Package kmain brings the kernel up and drives it until it halts.
package kmain

import (
	"context"
	"errors"
	"io"

	"strideos/kernel"
	"strideos/kernel/config"
	"strideos/kernel/loader"
	"strideos/kernel/mm"
	"strideos/kernel/mm/pmm"
	"strideos/kernel/syscall"
	"strideos/kernel/task"
	"strideos/kernel/timer"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// physBase is the first frame of the simulated physical memory.
const physBase = mm.Frame(0x80000)

var (
	// clockFn and tickerFn are mocked by tests.
	clockFn  = func() timer.Clock { return timer.NewMonotonicClock() }
	tickerFn = timer.NewTicker
)

// Boot initializes the frame allocator, the scheduler and the trap handler
// in that order and loads the initial programs. Output of user programs goes
// to console.
func Boot(cfg *config.Config, log *zap.Logger, images loader.ImageSource, console io.Writer) (*task.Kernel, *kernel.Error) {
	log = log.With(zap.String("boot_id", uuid.NewString()))
	log.Info("booting",
		zap.Uint32("memory_frames", cfg.MemoryFrames),
		zap.Uint64("time_slice", cfg.TimeSlice),
		zap.String("idle_policy", cfg.IdlePolicy),
	)

	frames := pmm.NewBitmapAllocator(pmm.NewPhysicalMemory(physBase, cfg.MemoryFrames))
	k := task.NewKernel(cfg.TaskConfig(), log, frames, images, clockFn())
	k.SetTrapHandler(syscall.NewHandler(k, console))

	if err := k.LoadInitial(cfg.Init); err != nil {
		k.Shutdown()
		return nil, err
	}

	log.Info("boot complete", zap.Int("tasks", k.TaskCount()), zap.Uint32("free_frames", frames.FreeCount()))
	return k, nil
}

// Run drives the run loop of k together with the timer interrupt source. It
// returns once the run loop halts because no task is left or ctx is
// cancelled. The kernel is always shut down before Run returns.
func Run(ctx context.Context, k *task.Kernel, cfg *config.Config) error {
	defer k.Shutdown()

	loopCtx, stopTicker := context.WithCancel(ctx)
	defer stopTicker()

	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		defer stopTicker()

		err := k.RunFirstTask(gctx)
		if errors.Is(err, task.ErrNoReadyTask) {
			k.Logger().Info("all tasks exited; halting")
			return nil
		}
		return err
	})

	if interval := cfg.GetTimerInterval(); interval > 0 {
		hart := k.Hart()
		g.Go(func() error {
			err := tickerFn().Run(gctx, interval, hart.RaiseTimerInterrupt)

			// A task that never traps on its own still has to return
			// control so the run loop can observe the cancellation.
			hart.RaiseTimerInterrupt()
			return err
		})
	}

	return g.Wait()
}
