// Package trace decides, for every event raised by a runtime's trace hook,
// whether execution should stop.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/frame"
)

var (
	// ErrInvalidCondition wraps every failure to evaluate a condition.
	ErrInvalidCondition = errors.New("invalid breakpoint condition")

	// ErrNoEvaluator is reported when a conditional breakpoint matches in a
	// session without an evaluator.
	ErrNoEvaluator = errors.New("no condition evaluator")
)

// Observer receives engine statistics.
type Observer interface {
	ObserveHit(hit Hit)
	ObserveConditionFailure(err error)
	ObserveEvaluation(d time.Duration)
}

// Session is one debugging session: a breakpoint table, the pending step and
// the watch-lists, plus the hit counter the runtime watches.
//
// OnEvent may be called from any number of goroutines. Breakpoint mutation
// must happen while the traced program is stopped.
type Session struct {
	id string

	// mu guards hits and, through the registry, every breakpoint hit count.
	mu   sync.Mutex
	hits uint64

	registry *breakpoint.Registry
	volatile breakpoint.Volatile

	catchCalls      atomic.Pointer[string]
	catchExceptions atomic.Pointer[string]

	evaluator frame.Evaluator
	handler   HitHandler
	observer  Observer
	logger    *slog.Logger

	registryOpts []breakpoint.Option
}

// Option configures a Session.
type Option func(*Session)

// WithEvaluator sets the evaluator used for breakpoint conditions.
func WithEvaluator(e frame.Evaluator) Option {
	return func(s *Session) {
		s.evaluator = e
	}
}

// WithHitHandler sets the handler told about hits.
func WithHitHandler(h HitHandler) Option {
	return func(s *Session) {
		s.handler = h
	}
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithRegistryOptions configures the breakpoint table.
func WithRegistryOptions(opts ...breakpoint.Option) Option {
	return func(s *Session) {
		s.registryOpts = append(s.registryOpts, opts...)
	}
}

// NewSession creates an empty session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		id:     uuid.New().String(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = breakpoint.NewRegistry(append(s.registryOpts, breakpoint.WithHitMutex(&s.mu))...)
	s.registryOpts = nil
	s.logger = s.logger.With("session", s.id)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Hits returns the hit counter. It moves by exactly one per stop decision.
func (s *Session) Hits() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

// signal moves the hit counter and notifies the observer and handler.
// Panics in either are logged and dropped.
func (s *Session) signal(hit Hit, f frame.Frame) {
	s.mu.Lock()
	s.hits++
	hit.Seq = s.hits
	s.mu.Unlock()

	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("hit",
			"seq", hit.Seq,
			"reason", hit.Reason.String(),
			"thread", hit.Thread,
			"file", hit.File,
			"line", hit.Line,
			"breakpoint", hit.BreakpointID,
		)
	}
	if s.observer != nil {
		s.notify("observer", hit, func() { s.observer.ObserveHit(hit) })
	}
	if s.handler != nil {
		s.notify("hit handler", hit, func() { s.handler.HandleHit(hit, f) })
	}
}

// notify runs fn and contains its panics. The counter has already moved, so
// the stop decision stands whatever fn does.
func (s *Session) notify(who string, hit Hit, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(who+" panicked", "seq", hit.Seq, "panic", r)
		}
	}()
	fn()
}

// evalCondition evaluates expr in f. Every failure counts as false; nothing
// escapes to the runtime.
func (s *Session) evalCondition(expr string, f frame.Frame) (ok bool) {
	if s.evaluator == nil {
		s.conditionFailed(f, fmt.Errorf("%w: %q: %w", ErrInvalidCondition, expr, ErrNoEvaluator))
		return false
	}

	if sup, isSuppressor := s.evaluator.(frame.Suppressor); isSuppressor {
		if release := sup.SuppressTracing(f); release != nil {
			defer release()
		}
	}
	defer func() {
		if r := recover(); r != nil {
			s.conditionFailed(f, fmt.Errorf("%w: %q: panic: %v", ErrInvalidCondition, expr, r))
			ok = false
		}
	}()

	start := time.Now()
	v, err := s.evaluator.EvalBool(expr, f)
	if s.observer != nil {
		s.observer.ObserveEvaluation(time.Since(start))
	}
	if err != nil {
		s.conditionFailed(f, fmt.Errorf("%w: %q: %w", ErrInvalidCondition, expr, err))
		return false
	}
	return v
}

func (s *Session) conditionFailed(f frame.Frame, err error) {
	if c, ok := s.evaluator.(frame.ErrorClearer); ok {
		c.ClearPendingError(f)
	}
	s.logger.Debug("condition failed", "error", err)
	if s.observer != nil {
		s.observer.ObserveConditionFailure(err)
	}
}
