package trace

import (
	"fmt"

	"github.com/aivorynet/ipa-go/pkg/frame"
)

// EventKind is the kind of a trace notification.
type EventKind int

const (
	EventLine EventKind = iota
	EventCall
	EventException
	EventReturn
	EventOther
)

// String returns a string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventLine:
		return "line"
	case EventCall:
		return "call"
	case EventException:
		return "exception"
	case EventReturn:
		return "return"
	default:
		return "other"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "line":
		return EventLine, true
	case "call":
		return EventCall, true
	case "exception":
		return EventException, true
	case "return":
		return EventReturn, true
	case "other":
		return EventOther, true
	}
	return EventOther, false
}

// Event is one notification from the runtime's trace hook.
type Event struct {
	Kind  EventKind
	Frame frame.Frame

	// Exception is the type name of the raised exception (EventException).
	Exception string
}

// Reason says why the session asked the runtime to stop.
type Reason int

const (
	ReasonBreakpoint Reason = iota + 1
	ReasonStep
	ReasonCatchCall
	ReasonCatchException
)

// String returns a string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonBreakpoint:
		return "breakpoint"
	case ReasonStep:
		return "step"
	case ReasonCatchCall:
		return "catch-call"
	case ReasonCatchException:
		return "catch-exception"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(text []byte) error {
	for _, reason := range []Reason{ReasonBreakpoint, ReasonStep, ReasonCatchCall, ReasonCatchException} {
		if reason.String() == string(text) {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown hit reason %q", text)
}

// Hit describes one stop decision.
type Hit struct {
	// Seq is the value of the session hit counter after this hit.
	Seq    uint64 `json:"seq"`
	Reason Reason `json:"reason"`

	// Slot, BreakpointID and Location are set for breakpoint hits only.
	Slot         int `json:"slot"`
	BreakpointID int `json:"breakpoint_id,omitempty"`
	Location     int `json:"location,omitempty"`

	Thread    frame.ThreadID `json:"thread"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Function  string         `json:"function,omitempty"`
	Exception string         `json:"exception,omitempty"`
}

// HitHandler is told about every hit, on the goroutine that produced it and
// after the hit counter moved.
type HitHandler interface {
	HandleHit(hit Hit, f frame.Frame)
}

// HitHandlerFunc adapts a function to HitHandler.
type HitHandlerFunc func(hit Hit, f frame.Frame)

// HandleHit calls fn.
func (fn HitHandlerFunc) HandleHit(hit Hit, f frame.Frame) {
	fn(hit, f)
}
