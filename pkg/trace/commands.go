package trace

import (
	"errors"
	"sync/atomic"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
)

var (
	// ErrNoFrame is returned by stepping commands issued without a frame.
	ErrNoFrame = errors.New("no current frame")

	// ErrInvalidCount is returned for a step or next count below one.
	ErrInvalidCount = errors.New("step count must be positive")

	// ErrOutermostFrame is returned by Finish in a frame without a caller.
	ErrOutermostFrame = errors.New("finish not meaningful in the outermost frame")
)

// InsertBreakpoint adds a breakpoint and returns its slot.
func (s *Session) InsertBreakpoint(spec breakpoint.Spec) (int, error) {
	slot, err := s.registry.Insert(spec)
	if err != nil {
		return -1, err
	}
	s.logger.Debug("breakpoint inserted", "slot", slot, "id", spec.ID, "file", spec.File, "line", spec.Line)
	return slot, nil
}

// UpdateBreakpoint replaces the breakpoint in slot.
func (s *Session) UpdateBreakpoint(slot int, spec breakpoint.Spec) error {
	return s.registry.Update(slot, spec)
}

// RemoveBreakpoint frees slot. It reports false if the slot was free.
func (s *Session) RemoveBreakpoint(slot int) bool {
	return s.registry.Remove(slot)
}

// Breakpoint returns a snapshot of slot.
func (s *Session) Breakpoint(slot int) (breakpoint.Info, bool) {
	return s.registry.Get(slot)
}

// Breakpoints returns snapshots of every breakpoint.
func (s *Session) Breakpoints() []breakpoint.Info {
	return s.registry.List()
}

// InvalidateCode forgets cached references to a reloaded or unloaded unit.
func (s *Session) InvalidateCode(h frame.CodeHandle) {
	s.registry.InvalidateCode(h)
}

// CatchCalls sets the function name watch-list. An empty list disables it.
func (s *Session) CatchCalls(patterns string) {
	storePatterns(&s.catchCalls, patterns)
}

// CatchExceptions sets the exception name watch-list. An empty list disables
// it.
func (s *Session) CatchExceptions(patterns string) {
	storePatterns(&s.catchExceptions, patterns)
}

// Watchlists returns the call and exception watch-lists.
func (s *Session) Watchlists() (calls, exceptions string) {
	if p := s.catchCalls.Load(); p != nil {
		calls = *p
	}
	if p := s.catchExceptions.Load(); p != nil {
		exceptions = *p
	}
	return calls, exceptions
}

func storePatterns(dst *atomic.Pointer[string], patterns string) {
	if patterns == "" {
		dst.Store(nil)
		return
	}
	dst.Store(&patterns)
}

// Step stops at the count-th line event of f's thread, in any frame.
func (s *Session) Step(f frame.Frame, count int) error {
	if f == nil {
		return ErrNoFrame
	}
	if count < 1 {
		return ErrInvalidCount
	}
	s.volatile.Arm(breakpoint.Target{Count: count, Thread: f.Thread()})
	return nil
}

// Next stops at the count-th line event in f itself, stepping over calls.
func (s *Session) Next(f frame.Frame, count int) error {
	if f == nil {
		return ErrNoFrame
	}
	if count < 1 {
		return ErrInvalidCount
	}
	s.volatile.Arm(breakpoint.Target{Count: count, Thread: f.Thread(), Frame: f.Identity()})
	return nil
}

// Finish stops at the next line event in f's caller.
func (s *Session) Finish(f frame.Frame) error {
	if f == nil {
		return ErrNoFrame
	}
	parent := f.Parent()
	if parent == nil {
		return ErrOutermostFrame
	}
	s.volatile.Arm(breakpoint.Target{Count: 1, Thread: f.Thread(), Frame: parent.Identity()})
	return nil
}

// Until stops in f's caller at line, or at the first line past f's current
// line when line is zero. In the outermost frame any frame qualifies.
func (s *Session) Until(f frame.Frame, line int) error {
	if f == nil {
		return ErrNoFrame
	}
	target := breakpoint.AtLine(line)
	if line <= 0 {
		target = breakpoint.After(f.Line())
	}
	s.volatile.Arm(breakpoint.Target{
		Count:  1,
		Thread: f.Thread(),
		Frame:  frame.IdentityOf(f.Parent()),
		Line:   target,
	})
	return nil
}

// Advance stops at line of f's source unit, in any frame. The unit is matched
// by code handle, or by file name when either side has no handle. A zero line
// stops at the next line executed in that unit.
func (s *Session) Advance(f frame.Frame, line int) error {
	if f == nil {
		return ErrNoFrame
	}
	if line < 0 {
		line = 0
	}
	s.volatile.Arm(breakpoint.Target{
		Count:  1,
		Thread: f.Thread(),
		Code:   f.Code(),
		File:   f.File(),
		Line:   breakpoint.AtLine(line),
	})
	return nil
}

// CancelStep drops the pending step, if any.
func (s *Session) CancelStep() {
	s.volatile.Disable()
}

// PendingStep returns the pending step.
func (s *Session) PendingStep() (breakpoint.Target, bool) {
	return s.volatile.Pending()
}
