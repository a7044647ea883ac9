package breakpoint

import (
	"sync/atomic"

	"github.com/aivorynet/ipa-go/pkg/frame"
)

// LineTarget selects the lines a volatile breakpoint stops at: zero for any
// line, a positive value for that exact line, a negative value -n for any
// line greater than n.
type LineTarget int

// AnyLine matches every line.
const AnyLine LineTarget = 0

// AtLine matches exactly line n.
func AtLine(n int) LineTarget { return LineTarget(n) }

// After matches every line greater than n.
func After(n int) LineTarget { return LineTarget(-n) }

// Matches reports whether line satisfies the target.
func (t LineTarget) Matches(line int) bool {
	switch {
	case t == 0:
		return true
	case t > 0:
		return int(t) == line
	default:
		return line > int(-t)
	}
}

// Target describes what a stepping command waits for.
type Target struct {
	// Count is the number of qualifying line events to let through; the
	// breakpoint fires on the Count-th.
	Count int

	Thread frame.ThreadID

	// Frame restricts qualifying events to one activation. Zero means any.
	Frame frame.ID

	// Code and File restrict qualifying events to one source unit. Handles
	// are compared when both sides have one, file names otherwise. Zero
	// values mean any unit.
	Code frame.CodeHandle
	File string

	Line LineTarget
}

type armed struct {
	Target
	countdown atomic.Int64
}

// Volatile is the single transient breakpoint that drives stepping. Each Arm
// replaces whatever was pending before.
type Volatile struct {
	cur atomic.Pointer[armed]
}

// Arm replaces the pending step with t.
func (v *Volatile) Arm(t Target) {
	a := &armed{Target: t}
	a.countdown.Store(int64(t.Count))
	v.cur.Store(a)
}

// Disable cancels the pending step, if any.
func (v *Volatile) Disable() {
	if a := v.cur.Load(); a != nil {
		a.countdown.Store(0)
	}
}

// Pending returns the pending step with Count set to the remaining countdown.
func (v *Volatile) Pending() (Target, bool) {
	a := v.cur.Load()
	if a == nil {
		return Target{}, false
	}
	n := a.countdown.Load()
	if n <= 0 {
		return Target{}, false
	}
	t := a.Target
	t.Count = int(n)
	return t, true
}

func (a *armed) inUnit(site Site) bool {
	if a.Code != 0 && site.Code != 0 {
		return a.Code == site.Code
	}
	if a.File != "" {
		return len(a.File) == len(site.File) && a.File == site.File
	}
	return a.Code == 0
}

// Consider offers a line event at site in activation id to the pending step.
// A qualifying event counts down; the event that reaches zero consumes the
// step and Consider reports true.
func (v *Volatile) Consider(site Site, id frame.ID) bool {
	a := v.cur.Load()
	if a == nil || a.countdown.Load() <= 0 {
		return false
	}
	if a.Thread != site.Thread || !a.Line.Matches(site.Line) {
		return false
	}
	if a.Frame != 0 && a.Frame != id {
		return false
	}
	if !a.inUnit(site) {
		return false
	}

	for {
		n := a.countdown.Load()
		if n <= 0 {
			return false
		}
		if a.countdown.CompareAndSwap(n, n-1) {
			return n == 1
		}
	}
}
