// Package breakpoint holds the persistent breakpoint table and the volatile
// breakpoint used for stepping.
package breakpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aivorynet/ipa-go/pkg/frame"
)

var (
	// ErrCapacityExceeded is returned by Insert when every slot up to the
	// capacity ceiling is occupied.
	ErrCapacityExceeded = errors.New("breakpoint table is full")

	// ErrInvalidSpec is returned for a breakpoint without id, line or file.
	ErrInvalidSpec = errors.New("invalid breakpoint")
)

// StateKind is the tag of a State.
type StateKind uint8

const (
	StateDisabled StateKind = iota
	StateEnabled
	// StateCoolingDown suppresses the breakpoint for a number of scan passes,
	// after which it is enabled again.
	StateCoolingDown
)

// String returns a string representation of the state kind.
func (k StateKind) String() string {
	switch k {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateCoolingDown:
		return "cooling"
	default:
		return "unknown"
	}
}

// State is the activation state of a breakpoint.
type State struct {
	Kind StateKind

	// Remaining is the number of scan passes left while cooling down.
	Remaining int
}

// Enabled returns the enabled state.
func Enabled() State { return State{Kind: StateEnabled} }

// Disabled returns the disabled state.
func Disabled() State { return State{Kind: StateDisabled} }

// CoolingDown returns a state that stays inactive for the next n scan passes.
// A non-positive n is the same as Enabled.
func CoolingDown(n int) State {
	if n <= 0 {
		return Enabled()
	}
	return State{Kind: StateCoolingDown, Remaining: n}
}

func (s State) String() string {
	if s.Kind == StateCoolingDown {
		return fmt.Sprintf("cooling(%d)", s.Remaining)
	}
	return s.Kind.String()
}

// ParseState is the inverse of State.String.
func ParseState(text string) (State, error) {
	switch text {
	case "enabled":
		return Enabled(), nil
	case "disabled":
		return Disabled(), nil
	}
	if arg, ok := strings.CutPrefix(text, "cooling("); ok {
		if arg, ok = strings.CutSuffix(arg, ")"); ok {
			if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
				return CoolingDown(n), nil
			}
		}
	}
	return State{}, fmt.Errorf("%w: state %q", ErrInvalidSpec, text)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Spec holds the caller supplied fields of a breakpoint.
type Spec struct {
	// ID is the front-end breakpoint number. It must be positive; uniqueness
	// is up to the caller.
	ID int `json:"id" yaml:"id"`

	// Location is an opaque front-end location number, passed through.
	Location int `json:"location,omitempty" yaml:"location,omitempty"`

	// Thread restricts the breakpoint to one thread. Zero means any thread.
	Thread frame.ThreadID `json:"thread,omitempty" yaml:"thread,omitempty"`

	// Condition is an optional expression evaluated in the hitting frame.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// IgnoreCount makes the breakpoint fire on every IgnoreCount-th match only.
	IgnoreCount int `json:"ignore_count,omitempty" yaml:"ignore_count,omitempty"`

	// State defaults to disabled; decoders that want enabled breakpoints by
	// default pre-fill it.
	State State `json:"state" yaml:"state"`

	Line int    `json:"line" yaml:"line"`
	File string `json:"file" yaml:"file"`
}

func (s Spec) validate() error {
	switch {
	case s.ID <= 0:
		return fmt.Errorf("%w: id %d", ErrInvalidSpec, s.ID)
	case s.Line <= 0:
		return fmt.Errorf("%w: line %d", ErrInvalidSpec, s.Line)
	case s.File == "":
		return fmt.Errorf("%w: empty file", ErrInvalidSpec)
	case s.IgnoreCount < 0:
		return fmt.Errorf("%w: ignore count %d", ErrInvalidSpec, s.IgnoreCount)
	}
	return nil
}

// Info is a snapshot of an occupied slot.
type Info struct {
	Slot int `json:"slot"`
	Spec
	HitCount int              `json:"hit_count"`
	Code     frame.CodeHandle `json:"code,omitempty"`
}

// record is one slot of the table. A record with id 0 is free whatever its
// other fields hold.
type record struct {
	id atomic.Int64

	location    int
	thread      frame.ThreadID
	condition   string
	ignoreCount int
	line        int
	file        string
	fileLen     int

	// hitCount is guarded by the registry's hit mutex.
	hitCount int

	kind      atomic.Uint32
	remaining atomic.Int64

	// code caches the handle of the unit that last matched file.
	code atomic.Uint64
}

// set overwrites every field. The id is written last so that a scanner never
// sees a half written record as occupied.
func (r *record) set(s Spec) {
	r.id.Store(0)
	r.location = s.Location
	r.thread = s.Thread
	r.condition = s.Condition
	r.ignoreCount = s.IgnoreCount
	r.hitCount = 0
	r.line = s.Line
	r.file = s.File
	r.fileLen = len(s.File)
	r.code.Store(0)
	r.remaining.Store(int64(s.State.Remaining))
	r.kind.Store(uint32(s.State.Kind))
	r.id.Store(int64(s.ID))
}

func (r *record) state() State {
	k := StateKind(r.kind.Load())
	if k == StateCoolingDown {
		return State{Kind: k, Remaining: int(r.remaining.Load())}
	}
	return State{Kind: k}
}

// tick counts one scan pass off a cooling down record.
func (r *record) tick() {
	if r.remaining.Add(-1) <= 0 {
		r.kind.CompareAndSwap(uint32(StateCoolingDown), uint32(StateEnabled))
	}
}
