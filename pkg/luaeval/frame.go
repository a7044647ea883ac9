package luaeval

import "github.com/aivorynet/ipa-go/pkg/frame"

// Scope is implemented by frames that expose variables to conditions.
// Locals shadow globals.
type Scope interface {
	Variables() (locals, globals map[string]any)
}

// Frame is an in-memory execution frame. It is used by replays and by hosts
// that snapshot their frames before handing them to a session.
type Frame struct {
	ThreadID frame.ThreadID   `yaml:"thread" json:"thread"`
	FrameID  frame.ID         `yaml:"id" json:"id"`
	CodeID   frame.CodeHandle `yaml:"code" json:"code,omitempty"`
	Filename string           `yaml:"file" json:"file"`
	Func     string           `yaml:"function" json:"function,omitempty"`
	Lineno   int              `yaml:"line" json:"line"`

	Locals  map[string]any `yaml:"locals" json:"locals,omitempty"`
	Globals map[string]any `yaml:"globals" json:"globals,omitempty"`

	Caller *Frame `yaml:"-" json:"-"`
}

func (f *Frame) Thread() frame.ThreadID { return f.ThreadID }
func (f *Frame) Line() int              { return f.Lineno }
func (f *Frame) Code() frame.CodeHandle { return f.CodeID }
func (f *Frame) File() string           { return f.Filename }
func (f *Frame) Function() string       { return f.Func }
func (f *Frame) Identity() frame.ID     { return f.FrameID }

// Parent returns the caller, or nil for the outermost frame.
func (f *Frame) Parent() frame.Frame {
	if f.Caller == nil {
		return nil
	}
	return f.Caller
}

// Variables implements Scope.
func (f *Frame) Variables() (locals, globals map[string]any) {
	return f.Locals, f.Globals
}
