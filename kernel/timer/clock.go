// Package timer provides the time sources used by the kernel.
package timer

import (
	"context"
	"sync"
	"time"
)

// Clock reports the time elapsed since boot.
type Clock interface {
	Now() time.Duration
}

// MonotonicClock measures time with the host monotonic clock.
type MonotonicClock struct {
	boot time.Time
}

// NewMonotonicClock returns a clock that starts at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{boot: time.Now()}
}

// Now returns the time elapsed since the clock was created.
func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.boot)
}

// ManualClock is a clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// Now returns the current time of the clock.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Ticker raises periodic timer interrupts.
type Ticker struct {
	// newTicker is swapped by tests.
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewTicker returns a ticker backed by time.Ticker.
func NewTicker() *Ticker {
	return &Ticker{newTicker: func(d time.Duration) (<-chan time.Time, func()) {
		t := time.NewTicker(d)
		return t.C, t.Stop
	}}
}

// Run calls fire every interval until ctx is done. A non-positive interval
// disables the ticker and Run just waits for ctx. Run always returns nil so
// it can be used directly as an errgroup member.
func (t *Ticker) Run(ctx context.Context, interval time.Duration, fire func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticks, stop := t.newTicker(interval)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			fire()
		}
	}
}
