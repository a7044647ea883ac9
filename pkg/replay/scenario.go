// Package replay drives a session with a scripted sequence of trace events
// and commands and records the resulting hits.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/trace"
)

// Scenario is a replay script.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// PageSize and Capacity override the breakpoint table geometry.
	PageSize int `yaml:"page_size,omitempty"`
	Capacity int `yaml:"capacity,omitempty"`

	CatchCalls      string `yaml:"catch_calls,omitempty"`
	CatchExceptions string `yaml:"catch_exceptions,omitempty"`

	// Frames declares the activations events refer to. A caller must be
	// declared before its callees.
	Frames []FrameDef `yaml:"frames"`

	Breakpoints []BreakpointDef `yaml:"breakpoints,omitempty"`

	Steps []Step `yaml:"steps"`
}

// FrameDef declares one activation.
type FrameDef struct {
	ID       frame.ID         `yaml:"id"`
	Thread   frame.ThreadID   `yaml:"thread"`
	File     string           `yaml:"file"`
	Function string           `yaml:"function"`
	Code     frame.CodeHandle `yaml:"code,omitempty"`
	Line     int              `yaml:"line,omitempty"`
	Caller   frame.ID         `yaml:"caller,omitempty"`
	Locals   map[string]any   `yaml:"locals,omitempty"`
	Globals  map[string]any   `yaml:"globals,omitempty"`
}

// BreakpointDef is a breakpoint as written in a scenario. Breakpoints are
// enabled unless a state is given.
type BreakpointDef struct {
	breakpoint.Spec `yaml:",inline"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BreakpointDef) UnmarshalYAML(n *yaml.Node) error {
	type plain BreakpointDef
	p := plain{Spec: breakpoint.Spec{State: breakpoint.Enabled()}}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*b = BreakpointDef(p)
	return nil
}

// Step is either a trace event (Event set) or a command (Command set).
type Step struct {
	// Event is a trace event kind: line, call, exception, return or other.
	Event string `yaml:"event,omitempty"`

	// Command is one of insert, update, remove, step, next, finish, until,
	// advance, cancel, catch and invalidate.
	Command string `yaml:"command,omitempty"`

	// Frame selects the activation. For stepping commands zero selects the
	// frame of the last stop.
	Frame frame.ID `yaml:"frame,omitempty"`

	// Line moves the frame before the event, or is the target line of until
	// and advance.
	Line int `yaml:"line,omitempty"`

	Exception string         `yaml:"exception,omitempty"`
	Set       map[string]any `yaml:"set,omitempty"`

	// Expect, when present, is the stop decision the event must produce.
	Expect *bool `yaml:"expect,omitempty"`

	Count      int              `yaml:"count,omitempty"`
	Slot       int              `yaml:"slot,omitempty"`
	Breakpoint *BreakpointDef   `yaml:"breakpoint,omitempty"`
	Calls      *string          `yaml:"calls,omitempty"`
	Exceptions *string          `yaml:"exceptions,omitempty"`
	Code       frame.CodeHandle `yaml:"code,omitempty"`
}

var commands = map[string]bool{
	"insert": true, "update": true, "remove": true,
	"step": true, "next": true, "finish": true, "until": true, "advance": true,
	"cancel": true, "catch": true, "invalidate": true,
}

// ErrInvalidScenario is returned for scenarios that cannot be run.
var ErrInvalidScenario = errors.New("invalid scenario")

// Load reads a scenario file. Unknown keys are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the scenario's structure.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: steps list is required and must be non-empty", ErrInvalidScenario)
	}

	declared := make(map[frame.ID]bool, len(s.Frames))
	for i, f := range s.Frames {
		switch {
		case f.ID == 0:
			return fmt.Errorf("%w: frame %d: id must be positive", ErrInvalidScenario, i)
		case declared[f.ID]:
			return fmt.Errorf("%w: frame %d declared twice", ErrInvalidScenario, f.ID)
		case f.Caller != 0 && !declared[f.Caller]:
			return fmt.Errorf("%w: frame %d: caller %d must be declared first", ErrInvalidScenario, f.ID, f.Caller)
		}
		declared[f.ID] = true
	}

	for i, st := range s.Steps {
		switch {
		case (st.Event == "") == (st.Command == ""):
			return fmt.Errorf("%w: step %d: exactly one of event and command is required", ErrInvalidScenario, i)
		case st.Event != "":
			if _, ok := trace.ParseEventKind(st.Event); !ok {
				return fmt.Errorf("%w: step %d: unknown event %q", ErrInvalidScenario, i, st.Event)
			}
			if !declared[st.Frame] {
				return fmt.Errorf("%w: step %d: unknown frame %d", ErrInvalidScenario, i, st.Frame)
			}
		default:
			if !commands[st.Command] {
				return fmt.Errorf("%w: step %d: unknown command %q", ErrInvalidScenario, i, st.Command)
			}
			if st.Frame != 0 && !declared[st.Frame] {
				return fmt.Errorf("%w: step %d: unknown frame %d", ErrInvalidScenario, i, st.Frame)
			}
			if (st.Command == "insert" || st.Command == "update") && st.Breakpoint == nil {
				return fmt.Errorf("%w: step %d: %s needs a breakpoint", ErrInvalidScenario, i, st.Command)
			}
		}
	}
	return nil
}
