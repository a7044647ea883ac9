package replay

import (
	"fmt"
	"log/slog"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/luaeval"
	"github.com/aivorynet/ipa-go/pkg/trace"
)

// Entry is one line of a replay trace: a hit or a failed command.
type Entry struct {
	Step  int        `json:"step"`
	Hit   *trace.Hit `json:"hit,omitempty"`
	Slot  *int       `json:"slot,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Result is the outcome of a replay.
type Result struct {
	Name  string  `json:"name"`
	Hits  uint64  `json:"hits"`
	Trace []Entry `json:"trace"`

	// Breakpoints is the table after the last step.
	Breakpoints []breakpoint.Info `json:"breakpoints"`

	// Failures lists the events whose stop decision differed from Expect.
	Failures []string `json:"failures,omitempty"`
}

// Option configures Run.
type Option func(*runner)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		r.logger = l
	}
}

// WithObserver sets the session observer.
func WithObserver(o trace.Observer) Option {
	return func(r *runner) {
		r.observer = o
	}
}

type runner struct {
	logger   *slog.Logger
	observer trace.Observer

	session   *trace.Session
	evaluator *luaeval.Evaluator
	frames    map[frame.ID]*luaeval.Frame
	result    *Result
	step      int
	last      *luaeval.Frame
}

// Run replays s against a fresh session. The error is non-nil only for
// scenarios that cannot be run; mismatched expectations are reported in
// Result.Failures.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r := &runner{
		logger: slog.Default(),
		frames: make(map[frame.ID]*luaeval.Frame, len(s.Frames)),
		result: &Result{Name: s.Name, Trace: []Entry{}},
	}
	for _, opt := range opts {
		opt(r)
	}

	var regOpts []breakpoint.Option
	if s.PageSize > 0 {
		regOpts = append(regOpts, breakpoint.WithPageSize(s.PageSize))
	}
	if s.Capacity > 0 {
		regOpts = append(regOpts, breakpoint.WithCapacity(s.Capacity))
	}

	r.evaluator = luaeval.New(luaeval.WithLogger(r.logger))
	sessionOpts := []trace.Option{
		trace.WithEvaluator(r.evaluator),
		trace.WithLogger(r.logger),
		trace.WithRegistryOptions(regOpts...),
		trace.WithHitHandler(trace.HitHandlerFunc(r.handleHit)),
	}
	if r.observer != nil {
		sessionOpts = append(sessionOpts, trace.WithObserver(r.observer))
	}
	r.session = trace.NewSession(sessionOpts...)
	r.session.CatchCalls(s.CatchCalls)
	r.session.CatchExceptions(s.CatchExceptions)

	for _, def := range s.Frames {
		f := &luaeval.Frame{
			ThreadID: def.Thread,
			FrameID:  def.ID,
			CodeID:   def.Code,
			Filename: def.File,
			Func:     def.Function,
			Lineno:   def.Line,
			Locals:   copyVars(def.Locals),
			Globals:  copyVars(def.Globals),
		}
		if def.Caller != 0 {
			f.Caller = r.frames[def.Caller]
		}
		r.frames[def.ID] = f
	}

	r.step = -1
	for _, bp := range s.Breakpoints {
		if _, err := r.session.InsertBreakpoint(bp.Spec); err != nil {
			r.fail(err)
		}
	}

	for i, st := range s.Steps {
		r.step = i
		if st.Event != "" {
			r.event(st)
		} else {
			r.command(st)
		}
	}

	r.result.Hits = r.session.Hits()
	r.result.Breakpoints = r.session.Breakpoints()
	if r.result.Breakpoints == nil {
		r.result.Breakpoints = []breakpoint.Info{}
	}
	return r.result, nil
}

func copyVars(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

func (r *runner) handleHit(hit trace.Hit, f frame.Frame) {
	if lf, ok := f.(*luaeval.Frame); ok {
		r.last = lf
	}
	r.result.Trace = append(r.result.Trace, Entry{Step: r.step, Hit: &hit})
}

func (r *runner) fail(err error) {
	r.result.Trace = append(r.result.Trace, Entry{Step: r.step, Error: err.Error()})
}

func (r *runner) event(st Step) {
	f := r.frames[st.Frame]
	if st.Line != 0 {
		f.Lineno = st.Line
	}
	if len(st.Set) > 0 {
		if f.Locals == nil {
			f.Locals = make(map[string]any, len(st.Set))
		}
		for k, v := range st.Set {
			f.Locals[k] = v
		}
	}

	kind, _ := trace.ParseEventKind(st.Event)
	ev := trace.Event{Kind: kind, Frame: f, Exception: st.Exception}

	var hit bool
	if !r.evaluator.Suppressed(f.Thread()) {
		hit = r.session.OnEvent(ev)
	}
	if st.Expect != nil && *st.Expect != hit {
		r.result.Failures = append(r.result.Failures,
			fmt.Sprintf("step %d: %s event in frame %d at line %d: got hit=%t, want %t",
				r.step, st.Event, st.Frame, f.Lineno, hit, *st.Expect))
	}
}

func (r *runner) command(st Step) {
	var err error
	switch st.Command {
	case "insert":
		var slot int
		slot, err = r.session.InsertBreakpoint(st.Breakpoint.Spec)
		if err == nil {
			r.result.Trace = append(r.result.Trace, Entry{Step: r.step, Slot: &slot})
		}
	case "update":
		if _, ok := r.session.Breakpoint(st.Slot); !ok {
			err = fmt.Errorf("slot %d is not in use", st.Slot)
			break
		}
		err = r.session.UpdateBreakpoint(st.Slot, st.Breakpoint.Spec)
	case "remove":
		r.session.RemoveBreakpoint(st.Slot)
	case "cancel":
		r.session.CancelStep()
	case "catch":
		if st.Calls != nil {
			r.session.CatchCalls(*st.Calls)
		}
		if st.Exceptions != nil {
			r.session.CatchExceptions(*st.Exceptions)
		}
	case "invalidate":
		r.session.InvalidateCode(st.Code)
	default:
		err = r.stepping(st)
	}
	if err != nil {
		r.fail(err)
	}
}

func (r *runner) stepping(st Step) error {
	var f frame.Frame
	if st.Frame != 0 {
		f = r.frames[st.Frame]
	} else if r.last != nil {
		f = r.last
	}

	count := st.Count
	if count == 0 {
		count = 1
	}
	switch st.Command {
	case "step":
		return r.session.Step(f, count)
	case "next":
		return r.session.Next(f, count)
	case "finish":
		return r.session.Finish(f)
	case "until":
		return r.session.Until(f, st.Line)
	case "advance":
		return r.session.Advance(f, st.Line)
	}
	return fmt.Errorf("unknown command %q", st.Command)
}
