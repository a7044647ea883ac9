// Package capture builds the snapshot sent to the front-end when a session
// stops.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/trace"
)

// Limits bound the size of a capture.
type Limits struct {
	MaxStackDepth     int
	MaxVariableDepth  int
	MaxStringLength   int
	MaxCollectionSize int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStackDepth:     50,
		MaxVariableDepth:  3,
		MaxStringLength:   1000,
		MaxCollectionSize: 100,
	}
}

// RuntimeInfo holds information about the process hosting the agent.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// CurrentRuntime returns information about the running process.
func CurrentRuntime() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

// HitCapture holds the data captured at a stop.
type HitCapture struct {
	ID             string              `json:"id"`
	SessionID      string              `json:"session_id"`
	Seq            uint64              `json:"seq"`
	Reason         string              `json:"reason"`
	Slot           int                 `json:"slot"`
	BreakpointID   int                 `json:"breakpoint_id,omitempty"`
	Location       int                 `json:"location,omitempty"`
	Thread         int64               `json:"thread"`
	Exception      string              `json:"exception,omitempty"`
	Fingerprint    string              `json:"fingerprint"`
	StackTrace     []StackFrame        `json:"stack_trace"`
	LocalVariables map[string]Variable `json:"local_variables,omitempty"`
	CapturedAt     string              `json:"captured_at"`
	AgentID        string              `json:"agent_id,omitempty"`
	Environment    string              `json:"environment,omitempty"`
	RuntimeInfo    RuntimeInfo         `json:"runtime_info"`
}

// StackFrame represents a single frame of the stopped thread, innermost
// first.
type StackFrame struct {
	FrameID    uint64 `json:"frame_id"`
	MethodName string `json:"method_name"`
	FileName   string `json:"file_name,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`
}

// Variable represents a captured variable.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// scoped is implemented by frames that expose their variables.
type scoped interface {
	Variables() (locals, globals map[string]any)
}

// CaptureHit captures hit, stopped in f.
func CaptureHit(sessionID string, hit trace.Hit, f frame.Frame, limits Limits) *HitCapture {
	stackTrace := captureStackTrace(f, limits.MaxStackDepth)

	localVariables := make(map[string]Variable)
	if sc, ok := f.(scoped); ok {
		locals, _ := sc.Variables()
		for name, value := range locals {
			localVariables[name] = captureValue(name, value, 0, limits)
		}
	}

	return &HitCapture{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Seq:            hit.Seq,
		Reason:         hit.Reason.String(),
		Slot:           hit.Slot,
		BreakpointID:   hit.BreakpointID,
		Location:       hit.Location,
		Thread:         int64(hit.Thread),
		Exception:      hit.Exception,
		Fingerprint:    calculateFingerprint(hit, stackTrace),
		StackTrace:     stackTrace,
		LocalVariables: localVariables,
		CapturedAt:     time.Now().UTC().Format(time.RFC3339),
		RuntimeInfo:    CurrentRuntime(),
	}
}

// CaptureValue captures an arbitrary value.
func CaptureValue(name string, value interface{}, limits Limits) Variable {
	return captureValue(name, value, 0, limits)
}

func captureStackTrace(f frame.Frame, maxDepth int) []StackFrame {
	var frames []StackFrame
	for ; f != nil; f = f.Parent() {
		if maxDepth > 0 && len(frames) >= maxDepth {
			break
		}
		frames = append(frames, StackFrame{
			FrameID:    uint64(f.Identity()),
			MethodName: f.Function(),
			FilePath:   f.File(),
			FileName:   extractFileName(f.File()),
			LineNumber: f.Line(),
		})
	}
	return frames
}

func captureValue(name string, value interface{}, depth int, limits Limits) Variable {
	if value == nil {
		return Variable{
			Name:   name,
			Type:   "nil",
			Value:  "nil",
			IsNull: true,
		}
	}

	if depth > limits.MaxVariableDepth {
		return Variable{
			Name:        name,
			Type:        reflect.TypeOf(value).String(),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("%v", value),
		}

	case reflect.String:
		s := v.String()
		truncated := limits.MaxStringLength > 0 && len(s) > limits.MaxStringLength
		if truncated {
			s = s[:limits.MaxStringLength]
		}
		return Variable{
			Name:        name,
			Type:        "string",
			Value:       s,
			IsTruncated: truncated,
		}

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return Variable{
				Name:   name,
				Type:   t.String(),
				Value:  "nil",
				IsNull: true,
			}
		}
		return captureValue(name, v.Elem().Interface(), depth, limits)

	case reflect.Slice, reflect.Array:
		length := v.Len()
		n := min(length, limits.MaxCollectionSize)
		elements := make([]Variable, 0, n)
		for i := 0; i < n; i++ {
			elements = append(elements, captureValue(fmt.Sprintf("[%d]", i), v.Index(i).Interface(), depth+1, limits))
		}
		return Variable{
			Name:          name,
			Type:          t.String(),
			Value:         fmt.Sprintf("[%d items]", length),
			ArrayElements: elements,
			ArrayLength:   &length,
			IsTruncated:   length > n,
		}

	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		n := min(len(keys), limits.MaxCollectionSize)
		children := make(map[string]Variable, n)
		for _, key := range keys[:n] {
			keyStr := fmt.Sprintf("%v", key.Interface())
			children[keyStr] = captureValue(keyStr, v.MapIndex(key).Interface(), depth+1, limits)
		}
		return Variable{
			Name:        name,
			Type:        t.String(),
			Value:       fmt.Sprintf("map[%d]", len(keys)),
			Children:    children,
			IsTruncated: len(keys) > n,
		}

	case reflect.Struct:
		children := make(map[string]Variable)
		for i := 0; i < t.NumField() && i < limits.MaxCollectionSize; i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			children[field.Name] = captureValue(field.Name, v.Field(i).Interface(), depth+1, limits)
		}
		return Variable{
			Name:     name,
			Type:     t.String(),
			Value:    fmt.Sprintf("<%s>", t.Name()),
			Children: children,
		}

	default:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("<%s>", t.Kind()),
		}
	}
}

// calculateFingerprint groups captures of the same stop site: the reason, the
// breakpoint or exception, and the top five frames.
func calculateFingerprint(hit trace.Hit, stackTrace []StackFrame) string {
	parts := []string{hit.Reason.String()}
	switch hit.Reason {
	case trace.ReasonBreakpoint:
		parts = append(parts, fmt.Sprintf("bp%d", hit.BreakpointID))
	case trace.ReasonCatchException:
		parts = append(parts, hit.Exception)
	}

	for i, sf := range stackTrace {
		if i >= 5 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s:%s:%d", sf.FilePath, sf.MethodName, sf.LineNumber))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(hash[:8])
}

func extractFileName(path string) string {
	lastSlash := strings.LastIndexAny(path, `/\`)
	if lastSlash >= 0 {
		return path[lastSlash+1:]
	}
	return path
}
