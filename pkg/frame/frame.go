// Package frame defines the boundary between the breakpoint engine and the
// managed runtime it is embedded in.
//
// The engine never inspects runtime objects directly. Everything it needs to
// know about an execution frame, and the one service it needs from the
// runtime (evaluating a condition in a frame), is expressed here.
package frame

// ThreadID identifies a runtime thread. Zero is never a valid thread.
type ThreadID int64

// ID is the identity of one activation. Two frames are the same activation iff
// their IDs are equal. Zero means "no frame".
type ID uint64

// CodeHandle is a stable handle for a source unit (a loaded file or module).
// Zero means unresolved. A runtime hands out a new handle when it reloads a
// unit, so a handle is never reused for different code.
type CodeHandle uint64

// Frame is the engine's view of an execution frame.
type Frame interface {
	Thread() ThreadID
	Line() int
	Code() CodeHandle
	File() string
	// Function is the name of the function executing in this frame.
	Function() string
	Identity() ID
	// Parent returns the calling frame, or nil for the outermost frame.
	Parent() Frame
}

// Evaluator evaluates breakpoint conditions in the context of a frame.
type Evaluator interface {
	EvalBool(expr string, f Frame) (bool, error)
}

// Suppressor is implemented by evaluators whose runtime would otherwise trace
// the evaluation itself. The returned release func ends the suppression and is
// always called, whatever the evaluation outcome.
type Suppressor interface {
	SuppressTracing(f Frame) (release func())
}

// ErrorClearer is implemented by evaluators that leave a pending error in the
// runtime after a failed evaluation.
type ErrorClearer interface {
	ClearPendingError(f Frame)
}

// IdentityOf returns f's identity, or zero for a nil frame.
func IdentityOf(f Frame) ID {
	if f == nil {
		return 0
	}
	return f.Identity()
}
