// Package luaeval evaluates breakpoint conditions written in Lua.
//
// A condition is an expression; it is compiled once as "return (expr)" and run
// with the frame's locals and globals in scope. Lua truthiness applies: only
// nil and false are false.
package luaeval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/aivorynet/ipa-go/pkg/frame"
)

// Defaults for New.
const (
	DefaultTimeout   = 100 * time.Millisecond
	DefaultCacheSize = 512
)

var (
	// ErrCompile is returned for conditions that are not valid expressions.
	ErrCompile = errors.New("condition does not compile")

	// ErrEval is returned when a condition raises an error or runs out of
	// time.
	ErrEval = errors.New("condition evaluation failed")
)

type compiled struct {
	proto *lua.FunctionProto
	err   error
}

// Evaluator implements frame.Evaluator and frame.Suppressor on top of
// gopher-lua. It is safe for concurrent use; every evaluation runs on its own
// pooled LState.
type Evaluator struct {
	timeout   time.Duration
	cacheSize int
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]compiled

	states sync.Pool

	supMu      sync.Mutex
	suppressed map[frame.ThreadID]int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout bounds the run time of a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithCacheSize bounds the number of cached compiled conditions.
func WithCacheSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.cacheSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = l
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		timeout:    DefaultTimeout,
		cacheSize:  DefaultCacheSize,
		logger:     slog.Default(),
		cache:      make(map[string]compiled),
		suppressed: make(map[frame.ThreadID]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.states.New = func() any { return newState() }
	return e
}

// newState creates an LState with only the side-effect free libraries open.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(fmt.Sprintf("luaeval: open %s: %v", lib.name, err))
		}
	}
	return L
}

// Check reports whether expr compiles.
func (e *Evaluator) Check(expr string) error {
	_, err := e.compile(expr)
	return err
}

func (e *Evaluator) compile(expr string) (*lua.FunctionProto, error) {
	e.mu.Lock()
	c, ok := e.cache[expr]
	e.mu.Unlock()
	if ok {
		return c.proto, c.err
	}

	c = compileExpr(expr)

	e.mu.Lock()
	if len(e.cache) >= e.cacheSize {
		clear(e.cache)
	}
	e.cache[expr] = c
	e.mu.Unlock()
	return c.proto, c.err
}

func compileExpr(expr string) compiled {
	if strings.TrimSpace(expr) == "" {
		return compiled{err: fmt.Errorf("%w: empty expression", ErrCompile)}
	}
	chunk, err := parse.Parse(strings.NewReader("return ("+expr+")"), "<condition>")
	if err != nil {
		return compiled{err: fmt.Errorf("%w: %w", ErrCompile, err)}
	}
	proto, err := lua.Compile(chunk, "<condition>")
	if err != nil {
		return compiled{err: fmt.Errorf("%w: %w", ErrCompile, err)}
	}
	return compiled{proto: proto}
}

// EvalBool evaluates expr in f. Frames implementing Scope contribute their
// variables.
func (e *Evaluator) EvalBool(expr string, f frame.Frame) (bool, error) {
	proto, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	L := e.states.Get().(*lua.LState)
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	L.SetContext(ctx)

	fn := L.NewFunctionFromProto(proto)
	fn.Env = environment(L, f)
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		// A state that raised is not reused.
		L.Close()
		return false, fmt.Errorf("%w: %w", ErrEval, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	L.RemoveContext()
	L.SetTop(0)
	e.states.Put(L)
	return lua.LVAsBool(ret), nil
}

// environment builds the lookup chain locals -> frame globals -> builtins.
func environment(L *lua.LState, f frame.Frame) *lua.LTable {
	globals := L.NewTable()
	L.SetMetatable(globals, indexTo(L, L.G.Global))
	env := L.NewTable()
	L.SetMetatable(env, indexTo(L, globals))

	sc, ok := f.(Scope)
	if !ok {
		return env
	}
	locals, gl := sc.Variables()
	for k, v := range gl {
		globals.RawSetString(k, toLValue(L, v))
	}
	for k, v := range locals {
		env.RawSetString(k, toLValue(L, v))
	}
	return env
}

func indexTo(L *lua.LState, t *lua.LTable) *lua.LTable {
	mt := L.NewTable()
	mt.RawSetString("__index", t)
	return mt
}

// SuppressTracing marks f's thread as evaluating until release is called.
// Calls nest.
func (e *Evaluator) SuppressTracing(f frame.Frame) (release func()) {
	thread := f.Thread()
	e.supMu.Lock()
	e.suppressed[thread]++
	e.supMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.supMu.Lock()
			defer e.supMu.Unlock()
			if n := e.suppressed[thread] - 1; n > 0 {
				e.suppressed[thread] = n
			} else {
				delete(e.suppressed, thread)
			}
		})
	}
}

// Suppressed reports whether thread is inside a condition evaluation. Hosts
// must not deliver trace events for such a thread.
func (e *Evaluator) Suppressed(thread frame.ThreadID) bool {
	e.supMu.Lock()
	defer e.supMu.Unlock()
	return e.suppressed[thread] > 0
}
