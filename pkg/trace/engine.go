package trace

import (
	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/pattern"
)

// OnEvent is the trace hook entry point. It reports whether the runtime
// should stop the calling thread; when it does, the hit counter has already
// moved. OnEvent never blocks and never panics.
func (s *Session) OnEvent(ev Event) (hit bool) {
	f := ev.Frame
	if f == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("trace hook panicked", "event", ev.Kind.String(), "panic", r)
			hit = false
		}
	}()

	switch ev.Kind {
	case EventCall:
		return s.onCall(f)
	case EventException:
		return s.onException(f, ev.Exception)
	case EventLine:
		return s.onLine(f)
	default:
		return false
	}
}

func (s *Session) onCall(f frame.Frame) bool {
	patterns := s.catchCalls.Load()
	if patterns == nil {
		return false
	}
	name := f.Function()
	if !pattern.Match(name, *patterns) {
		return false
	}

	s.volatile.Disable()
	s.signal(Hit{
		Reason:   ReasonCatchCall,
		Slot:     -1,
		Thread:   f.Thread(),
		File:     f.File(),
		Line:     f.Line(),
		Function: name,
	}, f)
	return true
}

func (s *Session) onException(f frame.Frame, exception string) bool {
	patterns := s.catchExceptions.Load()
	if patterns == nil || !pattern.Match(exception, *patterns) {
		return false
	}

	s.volatile.Disable()
	s.signal(Hit{
		Reason:    ReasonCatchException,
		Slot:      -1,
		Thread:    f.Thread(),
		File:      f.File(),
		Line:      f.Line(),
		Function:  f.Function(),
		Exception: exception,
	}, f)
	return true
}

func (s *Session) onLine(f frame.Frame) bool {
	site := breakpoint.Site{
		Thread: f.Thread(),
		Line:   f.Line(),
		File:   f.File(),
		Code:   f.Code(),
	}

	if s.volatile.Consider(site, f.Identity()) {
		s.signal(Hit{
			Reason:   ReasonStep,
			Slot:     -1,
			Thread:   site.Thread,
			File:     site.File,
			Line:     site.Line,
			Function: f.Function(),
		}, f)
		return true
	}

	if site.File == "" {
		return false
	}
	m, ok := s.registry.Scan(site, func(expr string) bool {
		return s.evalCondition(expr, f)
	})
	if !ok {
		return false
	}

	s.volatile.Disable()
	s.signal(Hit{
		Reason:       ReasonBreakpoint,
		Slot:         m.Slot,
		BreakpointID: m.ID,
		Location:     m.Location,
		Thread:       site.Thread,
		File:         site.File,
		Line:         site.Line,
		Function:     f.Function(),
	}, f)
	return true
}
