package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCellExclusiveAccess(t *testing.T) {
	tr := NewTracker()
	c := NewCell(tr, 41)

	g := c.Exclusive()
	require.Equal(t, 1, tr.Held())
	*g.Get()++

	require.PanicsWithValue(t, ErrAlreadyBorrowed, func() {
		c.Exclusive()
	}, "expected a second borrow to panic while a guard is held")

	g.Release()
	g.Release()
	require.Equal(t, 0, tr.Held())

	c.With(func(v *int) {
		require.Equal(t, 42, *v)
		require.Equal(t, 1, tr.Held())
	})
	require.Equal(t, 0, tr.Held())
}

func TestCellWithReleasesOnPanic(t *testing.T) {
	tr := NewTracker()
	c := NewCell(tr, "idle")

	require.Panics(t, func() {
		c.With(func(*string) { panic("boom") })
	})
	require.Equal(t, 0, tr.Held())

	// The cell must be usable again.
	c.With(func(s *string) { *s = "busy" })
	g := c.Exclusive()
	defer g.Release()
	require.Equal(t, "busy", *g.Get())
}

func TestGuardUseAfterRelease(t *testing.T) {
	c := NewCell(NewTracker(), 0)
	g := c.Exclusive()
	g.Release()

	require.PanicsWithValue(t, ErrAlreadyBorrowed, func() { g.Get() })
}

func TestTrackerAssertNoneHeld(t *testing.T) {
	tr := NewTracker()
	a := NewCell(tr, 0)
	b := NewCell(tr, 0)

	tr.AssertNoneHeld()

	ga := a.Exclusive()
	gb := b.Exclusive()
	require.Equal(t, 2, tr.Held())
	require.PanicsWithValue(t, ErrGuardHeldAcrossSwitch, tr.AssertNoneHeld)

	gb.Release()
	require.PanicsWithValue(t, ErrGuardHeldAcrossSwitch, tr.AssertNoneHeld)
	ga.Release()
	require.NotPanics(t, tr.AssertNoneHeld)
}
