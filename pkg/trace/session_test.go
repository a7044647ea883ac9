package trace

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
)

type testFrame struct {
	id       frame.ID
	thread   frame.ThreadID
	line     int
	code     frame.CodeHandle
	file     string
	function string
	parent   *testFrame
	locals   map[string]int
}

func (f *testFrame) Thread() frame.ThreadID { return f.thread }
func (f *testFrame) Line() int              { return f.line }
func (f *testFrame) Code() frame.CodeHandle { return f.code }
func (f *testFrame) File() string           { return f.file }
func (f *testFrame) Function() string       { return f.function }
func (f *testFrame) Identity() frame.ID     { return f.id }

func (f *testFrame) Parent() frame.Frame {
	if f.parent == nil {
		return nil
	}
	return f.parent
}

// newStack returns a two frame stack in foo.py: main calls work.
func newStack() (outer, inner *testFrame) {
	outer = &testFrame{id: 1, thread: 1, line: 1, code: 10, file: "foo.py", function: "main", locals: map[string]int{"i": 2}}
	inner = &testFrame{id: 2, thread: 1, line: 20, code: 10, file: "foo.py", function: "work", parent: outer}
	return outer, inner
}

func line(f frame.Frame) Event { return Event{Kind: EventLine, Frame: f} }

// fakeEvaluator understands "i==N" against testFrame locals, plus a few
// expressions with fixed behaviour.
type fakeEvaluator struct {
	calls      int
	suppressed int
	released   int
	cleared    int
}

func (e *fakeEvaluator) EvalBool(expr string, f frame.Frame) (bool, error) {
	e.calls++
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "boom":
		panic("evaluator blew up")
	case "i==1":
		return f.(*testFrame).locals["i"] == 1, nil
	case "i==2":
		return f.(*testFrame).locals["i"] == 2, nil
	}
	return false, errors.New("syntax error")
}

func (e *fakeEvaluator) SuppressTracing(frame.Frame) func() {
	e.suppressed++
	return func() { e.released++ }
}

func (e *fakeEvaluator) ClearPendingError(frame.Frame) {
	e.cleared++
}

type recordingObserver struct {
	mu       sync.Mutex
	hits     []Hit
	failures []error
	evals    int
}

func (o *recordingObserver) ObserveHit(h Hit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits = append(o.hits, h)
}

func (o *recordingObserver) ObserveConditionFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *recordingObserver) ObserveEvaluation(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evals++
}

func fooBreakpoint(id, ln int) breakpoint.Spec {
	return breakpoint.Spec{ID: id, State: breakpoint.Enabled(), Line: ln, File: "foo.py"}
}

func TestSession_EndToEnd(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()

	slot, err := s.InsertBreakpoint(fooBreakpoint(1, 1))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, s.OnEvent(line(outer)))
	}
	assert.Equal(t, uint64(3), s.Hits())

	spec := fooBreakpoint(1, 1)
	spec.State = breakpoint.Disabled()
	require.NoError(t, s.UpdateBreakpoint(slot, spec))

	for i := 0; i < 3; i++ {
		assert.False(t, s.OnEvent(line(outer)))
	}
	assert.Equal(t, uint64(3), s.Hits())
}

func TestSession_TrampolineSequence(t *testing.T) {
	eval := &fakeEvaluator{}
	s := NewSession(WithEvaluator(eval))
	outer, _ := newStack()

	s.OnEvent(line(outer))
	assert.Equal(t, uint64(0), s.Hits())

	require.NoError(t, s.Step(outer, 1))
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(1), s.Hits())

	require.NoError(t, s.Next(outer, 1))
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(2), s.Hits())

	_, err := s.InsertBreakpoint(fooBreakpoint(1, 10))
	require.NoError(t, err)
	disabled := fooBreakpoint(1, 1)
	disabled.State = breakpoint.Disabled()
	_, err = s.InsertBreakpoint(disabled)
	require.NoError(t, err)
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(2), s.Hits())

	slot, err := s.InsertBreakpoint(fooBreakpoint(1, 1))
	require.NoError(t, err)
	s.OnEvent(line(outer))
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(4), s.Hits())

	withIgnore := fooBreakpoint(1, 1)
	withIgnore.IgnoreCount = 3
	require.NoError(t, s.UpdateBreakpoint(slot, withIgnore))
	for i := 0; i < 5; i++ {
		s.OnEvent(line(outer))
	}
	assert.Equal(t, uint64(5), s.Hits())

	conditional := fooBreakpoint(1, 1)
	conditional.Condition = "i==1"
	require.NoError(t, s.UpdateBreakpoint(slot, conditional))
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(5), s.Hits())

	conditional.Condition = "i==2"
	require.NoError(t, s.UpdateBreakpoint(slot, conditional))
	s.OnEvent(line(outer))
	assert.Equal(t, uint64(6), s.Hits())
}

func TestSession_IgnoreCount(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()
	spec := fooBreakpoint(1, 1)
	spec.IgnoreCount = 4
	slot, _ := s.InsertBreakpoint(spec)

	var fired []bool
	for i := 0; i < 9; i++ {
		fired = append(fired, s.OnEvent(line(outer)))
	}
	assert.Equal(t, []bool{false, false, false, true, false, false, false, true, false}, fired)

	info, ok := s.Breakpoint(slot)
	require.True(t, ok)
	assert.Equal(t, 1, info.HitCount)
}

func TestSession_ConditionFailures(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"true", "true", true},
		{"false", "false", false},
		{"compile error", "i ==", false},
		{"evaluator panic", "boom", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &fakeEvaluator{}
			obs := &recordingObserver{}
			s := NewSession(WithEvaluator(eval), WithObserver(obs))
			outer, _ := newStack()

			spec := fooBreakpoint(1, 1)
			spec.Condition = tt.expr
			_, _ = s.InsertBreakpoint(spec)

			assert.Equal(t, tt.want, s.OnEvent(line(outer)))
			assert.Equal(t, 1, eval.suppressed)
			assert.Equal(t, 1, eval.released, "tracing suppression is always released")

			failed := tt.expr == "i ==" || tt.expr == "boom"
			if failed {
				require.Len(t, obs.failures, 1)
				assert.ErrorIs(t, obs.failures[0], ErrInvalidCondition)
				assert.Equal(t, 1, eval.cleared)
			} else {
				assert.Empty(t, obs.failures)
				assert.Equal(t, 0, eval.cleared)
			}
		})
	}
}

func TestSession_ConditionWithoutEvaluator(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSession(WithObserver(obs))
	outer, _ := newStack()
	spec := fooBreakpoint(1, 1)
	spec.Condition = "true"
	_, _ = s.InsertBreakpoint(spec)

	assert.False(t, s.OnEvent(line(outer)))
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrNoEvaluator)
}

func TestSession_StepEntersCalls(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()

	require.NoError(t, s.Step(outer, 1))
	assert.True(t, s.OnEvent(line(inner)))
}

func TestSession_NextStepsOverCalls(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()

	require.NoError(t, s.Next(outer, 1))
	assert.False(t, s.OnEvent(line(inner)))
	assert.False(t, s.OnEvent(line(inner)))
	outer.line = 2
	assert.True(t, s.OnEvent(line(outer)))
}

func TestSession_NextCount(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()

	require.NoError(t, s.Next(outer, 3))
	assert.False(t, s.OnEvent(line(outer)))
	assert.False(t, s.OnEvent(line(outer)))
	assert.True(t, s.OnEvent(line(outer)))
	assert.False(t, s.OnEvent(line(outer)))
}

func TestSession_StepIsThreadScoped(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()
	other := &testFrame{id: 7, thread: 2, line: 1, file: "foo.py"}

	require.NoError(t, s.Step(outer, 1))
	assert.False(t, s.OnEvent(line(other)))
	assert.True(t, s.OnEvent(line(outer)))
}

func TestSession_Finish(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()

	require.NoError(t, s.Finish(inner))
	assert.False(t, s.OnEvent(line(inner)))
	assert.True(t, s.OnEvent(line(outer)))

	assert.ErrorIs(t, s.Finish(outer), ErrOutermostFrame)
}

func TestSession_UntilPastCurrentLine(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()
	inner.line = 10
	outer.line = 5

	require.NoError(t, s.Until(inner, 0))
	assert.False(t, s.OnEvent(line(outer)), "line 5 is not past 10")
	outer.line = 10
	assert.False(t, s.OnEvent(line(outer)), "line 10 is not past 10")
	inner.line = 11
	assert.False(t, s.OnEvent(line(inner)), "only the caller frame qualifies")
	outer.line = 11
	assert.True(t, s.OnEvent(line(outer)))
}

func TestSession_UntilLine(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()

	require.NoError(t, s.Until(inner, 7))
	outer.line = 8
	assert.False(t, s.OnEvent(line(outer)))
	outer.line = 7
	assert.True(t, s.OnEvent(line(outer)))
}

func TestSession_Advance(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()
	elsewhere := &testFrame{id: 3, thread: 1, line: 30, code: 11, file: "bar.py", parent: inner}

	require.NoError(t, s.Advance(outer, 30))
	assert.False(t, s.OnEvent(line(elsewhere)), "other source unit")
	inner.line = 30
	assert.True(t, s.OnEvent(line(inner)), "any frame of the same unit")
}

func TestSession_AdvanceWithoutCodeHandles(t *testing.T) {
	s := NewSession()
	here := &testFrame{id: 1, thread: 1, line: 3, file: "foo.py", function: "main"}
	callee := &testFrame{id: 2, thread: 1, line: 10, file: "bar.py", function: "helper", parent: here}

	require.NoError(t, s.Advance(here, 10))
	target, ok := s.PendingStep()
	require.True(t, ok)
	assert.Equal(t, "foo.py", target.File)

	assert.False(t, s.OnEvent(line(callee)), "line 10 of another file")
	assert.Equal(t, uint64(0), s.Hits())

	callee.file = "foo.pyc"
	assert.False(t, s.OnEvent(line(callee)), "file names compare whole")

	here.line = 10
	assert.True(t, s.OnEvent(line(here)))
	assert.Equal(t, uint64(1), s.Hits())
}

func TestSession_AdvanceMixedCodeHandles(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()
	unresolved := &testFrame{id: 3, thread: 1, line: 30, file: "bar.py", function: "helper"}
	reloaded := &testFrame{id: 4, thread: 1, line: 30, code: 12, file: "foo.py", function: "main"}
	fresh := &testFrame{id: 5, thread: 1, line: 30, file: "foo.py", function: "main"}

	require.NoError(t, s.Advance(outer, 30))
	assert.False(t, s.OnEvent(line(unresolved)), "no handle, other file")
	assert.False(t, s.OnEvent(line(reloaded)), "both handles known and different")
	assert.True(t, s.OnEvent(line(fresh)), "no handle, same file")
}

func TestSession_BreakpointsWithoutCodeHandles(t *testing.T) {
	s := NewSession()
	slot, err := s.InsertBreakpoint(fooBreakpoint(1, 4))
	require.NoError(t, err)

	other := &testFrame{id: 1, thread: 1, line: 4, file: "bar.py", function: "main"}
	same := &testFrame{id: 2, thread: 1, line: 4, file: "foo.py", function: "main"}

	assert.False(t, s.OnEvent(line(other)))
	assert.True(t, s.OnEvent(line(same)))

	info, ok := s.Breakpoint(slot)
	require.True(t, ok)
	assert.Zero(t, info.Code, "nothing to cache without a handle")
	assert.Equal(t, 1, info.HitCount)
}

func TestSession_CommandErrors(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()

	assert.ErrorIs(t, s.Step(nil, 1), ErrNoFrame)
	assert.ErrorIs(t, s.Next(nil, 1), ErrNoFrame)
	assert.ErrorIs(t, s.Finish(nil), ErrNoFrame)
	assert.ErrorIs(t, s.Until(nil, 0), ErrNoFrame)
	assert.ErrorIs(t, s.Advance(nil, 0), ErrNoFrame)
	assert.ErrorIs(t, s.Step(outer, 0), ErrInvalidCount)
	assert.ErrorIs(t, s.Next(outer, -1), ErrInvalidCount)
}

func TestSession_BreakpointSupersedesStep(t *testing.T) {
	s := NewSession()
	outer, inner := newStack()
	_, _ = s.InsertBreakpoint(fooBreakpoint(1, 20))

	require.NoError(t, s.Next(outer, 1))
	assert.True(t, s.OnEvent(line(inner)), "breakpoint in the callee")

	_, pending := s.PendingStep()
	assert.False(t, pending)
	outer.line = 2
	assert.False(t, s.OnEvent(line(outer)), "the next was cancelled by the breakpoint hit")
}

func TestSession_StepBeatsBreakpoint(t *testing.T) {
	var hits []Hit
	s := NewSession(WithHitHandler(HitHandlerFunc(func(h Hit, _ frame.Frame) {
		hits = append(hits, h)
	})))
	outer, _ := newStack()
	slot, _ := s.InsertBreakpoint(fooBreakpoint(1, 1))

	require.NoError(t, s.Step(outer, 1))
	assert.True(t, s.OnEvent(line(outer)))
	require.Len(t, hits, 1)
	assert.Equal(t, ReasonStep, hits[0].Reason)

	info, _ := s.Breakpoint(slot)
	assert.Equal(t, 0, info.HitCount, "the registry is not scanned once the step fires")
}

func TestSession_CatchCalls(t *testing.T) {
	var hits []Hit
	s := NewSession(WithHitHandler(HitHandlerFunc(func(h Hit, _ frame.Frame) {
		hits = append(hits, h)
	})))
	outer, inner := newStack()
	_, _ = s.InsertBreakpoint(fooBreakpoint(1, 20))

	call := Event{Kind: EventCall, Frame: inner}
	assert.False(t, s.OnEvent(call), "no watch-list configured")

	s.CatchCalls("handle_* wo?k")
	require.NoError(t, s.Step(outer, 5))
	assert.True(t, s.OnEvent(call))
	require.Len(t, hits, 1)
	assert.Equal(t, Hit{Seq: 1, Reason: ReasonCatchCall, Slot: -1, Thread: 1, File: "foo.py", Line: 20, Function: "work"}, hits[0])

	_, pending := s.PendingStep()
	assert.False(t, pending, "a catch hit cancels the pending step")

	s.CatchCalls("")
	assert.False(t, s.OnEvent(call))
	calls, _ := s.Watchlists()
	assert.Empty(t, calls)
}

func TestSession_CatchExceptions(t *testing.T) {
	s := NewSession()
	_, inner := newStack()

	s.CatchExceptions("*Error")
	assert.True(t, s.OnEvent(Event{Kind: EventException, Frame: inner, Exception: "ValueError"}))
	assert.False(t, s.OnEvent(Event{Kind: EventException, Frame: inner, Exception: "StopIteration"}))

	_, exceptions := s.Watchlists()
	assert.Equal(t, "*Error", exceptions)
}

func TestSession_IgnoredEvents(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()
	_, _ = s.InsertBreakpoint(fooBreakpoint(1, 1))
	s.CatchCalls("*")

	assert.False(t, s.OnEvent(Event{Kind: EventReturn, Frame: outer}))
	assert.False(t, s.OnEvent(Event{Kind: EventOther, Frame: outer}))
	assert.False(t, s.OnEvent(Event{Kind: EventLine}))
	assert.Equal(t, uint64(0), s.Hits())
}

type panickyFrame struct{ *testFrame }

func (panickyFrame) File() string { panic("frame gone") }

func TestSession_FramePanicIsContained(t *testing.T) {
	s := NewSession()
	outer, _ := newStack()
	assert.NotPanics(t, func() {
		assert.False(t, s.OnEvent(line(panickyFrame{outer})))
	})
}

func TestSession_HandlerPanicKeepsDecision(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSession(
		WithObserver(obs),
		WithHitHandler(HitHandlerFunc(func(Hit, frame.Frame) { panic("sink down") })),
	)
	outer, _ := newStack()
	_, _ = s.InsertBreakpoint(fooBreakpoint(1, 1))

	assert.NotPanics(t, func() {
		assert.True(t, s.OnEvent(line(outer)))
	})
	assert.Equal(t, uint64(1), s.Hits())
	assert.Len(t, obs.hits, 1)

	assert.True(t, s.OnEvent(line(outer)), "a failing handler does not disarm the session")
	assert.Equal(t, uint64(2), s.Hits())
}

type panickyObserver struct{ recordingObserver }

func (*panickyObserver) ObserveHit(Hit) { panic("metrics down") }

func TestSession_ObserverPanicKeepsDecision(t *testing.T) {
	var handled []uint64
	s := NewSession(
		WithObserver(&panickyObserver{}),
		WithHitHandler(HitHandlerFunc(func(h Hit, _ frame.Frame) { handled = append(handled, h.Seq) })),
	)
	outer, _ := newStack()

	require.NoError(t, s.Step(outer, 1))
	assert.True(t, s.OnEvent(line(outer)))
	assert.Equal(t, uint64(1), s.Hits())
	assert.Equal(t, []uint64{1}, handled, "the handler still runs")
}

func TestSession_ConcurrentHits(t *testing.T) {
	obs := &recordingObserver{}
	s := NewSession(WithObserver(obs))
	_, _ = s.InsertBreakpoint(fooBreakpoint(1, 1))

	const workers, rounds = 6, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(thread frame.ThreadID) {
			defer wg.Done()
			f := &testFrame{id: frame.ID(thread), thread: thread, line: 1, code: 10, file: "foo.py"}
			for i := 0; i < rounds; i++ {
				s.OnEvent(line(f))
			}
		}(frame.ThreadID(w + 1))
	}
	wg.Wait()

	assert.Equal(t, uint64(workers*rounds), s.Hits())
	info, _ := s.Breakpoint(0)
	assert.Equal(t, workers*rounds, info.HitCount)

	seen := make(map[uint64]bool)
	for _, h := range obs.hits {
		seen[h.Seq] = true
	}
	assert.Len(t, seen, workers*rounds, "every hit gets its own sequence number")
}

func TestSession_ID(t *testing.T) {
	a, b := NewSession(), NewSession()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestParseEventKind(t *testing.T) {
	for _, k := range []EventKind{EventLine, EventCall, EventException, EventReturn, EventOther} {
		got, ok := ParseEventKind(k.String())
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseEventKind("jump")
	assert.False(t, ok)
}

func TestReason_Text(t *testing.T) {
	for _, r := range []Reason{ReasonBreakpoint, ReasonStep, ReasonCatchCall, ReasonCatchException} {
		text, err := r.MarshalText()
		require.NoError(t, err)

		var got Reason
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, r, got)
	}

	var r Reason
	assert.Error(t, r.UnmarshalText([]byte("paused")))
}
