package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/capture"
	"github.com/aivorynet/ipa-go/pkg/frame"
	"github.com/aivorynet/ipa-go/pkg/journal"
	"github.com/aivorynet/ipa-go/pkg/luaeval"
	"github.com/aivorynet/ipa-go/pkg/metrics"
	"github.com/aivorynet/ipa-go/pkg/trace"
	"github.com/aivorynet/ipa-go/pkg/transport"
)

// Agent owns one debugging session and connects it to a front-end.
//
// The host runtime feeds trace events to OnEvent and suspends the calling
// thread when it returns true. Front-end commands arrive over the transport
// and are applied by HandleCommand; they must only mutate breakpoints while
// the traced program is stopped.
type Agent struct {
	config    *Config
	logger    *slog.Logger
	session   *trace.Session
	evaluator *luaeval.Evaluator
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	journal   *journal.Store

	connection *transport.Connection
	cancel     context.CancelFunc
	started    bool
	mu         sync.RWMutex

	// stopped holds the frame each thread last stopped in; last is the
	// thread of the most recent stop.
	stopped map[frame.ThreadID]frame.Frame
	last    frame.ThreadID

	onHit []func(*capture.HitCapture)
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger. By default the agent logs to stderr at the
// level implied by Config.Debug.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithHitCallback registers fn to receive every capture, after it has been
// journaled.
func WithHitCallback(fn func(*capture.HitCapture)) Option {
	return func(a *Agent) {
		a.onHit = append(a.onHit, fn)
	}
}

// New creates an agent from cfg.
func New(cfg *Config, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		stopped:  make(map[frame.ThreadID]frame.Frame),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	}
	a.logger = a.logger.With("agent", cfg.AgentID)

	a.metrics = metrics.New(a.registry)
	a.evaluator = luaeval.New(
		luaeval.WithTimeout(cfg.EvalTimeout),
		luaeval.WithLogger(a.logger),
	)
	a.session = trace.NewSession(
		trace.WithEvaluator(a.evaluator),
		trace.WithObserver(a.metrics),
		trace.WithHitHandler(a),
		trace.WithLogger(a.logger),
		trace.WithRegistryOptions(
			breakpoint.WithPageSize(cfg.PageSize),
			breakpoint.WithCapacity(cfg.Capacity),
		),
	)
	a.session.CatchCalls(cfg.CatchCalls)
	a.session.CatchExceptions(cfg.CatchExceptions)

	if cfg.JournalPath != "" {
		store, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open hit journal: %w", err)
		}
		a.journal = store
	}

	return a, nil
}

// Start connects to the front-end, if one is configured. It returns
// immediately; the connection is served in the background until Stop.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	if a.config.BackendURL != "" {
		a.connection = transport.NewConnection(a.config.BackendURL, a.config.APIKey,
			transport.WithHandler(a),
			transport.WithLogger(a.logger),
			transport.WithRegistration(transport.Registration{
				AgentID:   a.config.AgentID,
				SessionID: a.session.ID(),
				Hostname:  a.config.Hostname,
			}),
		)
		go a.connection.Connect(ctx)
	}

	a.started = true
	a.logger.Info("agent started",
		"session", a.session.ID(),
		"environment", a.config.Environment,
		"backend", a.config.BackendURL,
	)
}

// Stop disconnects from the front-end and closes the journal.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.connection != nil {
		a.connection.Disconnect()
		a.connection = nil
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("closing hit journal", "error", err)
		}
		a.journal = nil
	}

	if a.started {
		a.started = false
		a.logger.Info("agent stopped")
	}
}

// StopOnSignal stops the agent on SIGINT or SIGTERM.
func (a *Agent) StopOnSignal() {
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		a.Stop()
	}()
}

// OnEvent is the trace hook. Events raised while the thread evaluates a
// breakpoint condition are ignored.
func (a *Agent) OnEvent(ev trace.Event) bool {
	if ev.Frame != nil && a.evaluator.Suppressed(ev.Frame.Thread()) {
		return false
	}
	return a.session.OnEvent(ev)
}

// HandleHit implements trace.HitHandler: it remembers the stopped frame and
// runs the capture pipeline.
func (a *Agent) HandleHit(hit trace.Hit, f frame.Frame) {
	a.mu.Lock()
	a.stopped[hit.Thread] = f
	a.last = hit.Thread
	journalStore := a.journal
	conn := a.connection
	a.mu.Unlock()

	captured := capture.CaptureHit(a.session.ID(), hit, f, a.config.Limits())
	captured.AgentID = a.config.AgentID
	captured.Environment = a.config.Environment

	if journalStore != nil {
		if err := journalStore.Record(context.Background(), captured); err != nil {
			a.logger.Warn("journal hit", "seq", hit.Seq, "error", err)
		}
	}
	for _, fn := range a.onHit {
		fn(captured)
	}
	if conn != nil && a.config.ShouldSample() {
		conn.SendHit(captured)
	}
}

// StoppedFrame returns the frame thread last stopped in. Thread zero selects
// the most recent stop.
func (a *Agent) StoppedFrame(thread frame.ThreadID) (frame.Frame, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if thread == 0 {
		thread = a.last
	}
	f, ok := a.stopped[thread]
	return f, ok
}

// Session returns the agent's session.
func (a *Agent) Session() *trace.Session {
	return a.session
}

// Evaluator returns the condition evaluator.
func (a *Agent) Evaluator() *luaeval.Evaluator {
	return a.evaluator
}

// Metrics returns the agent's collectors.
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// MetricsHandler serves the agent's metrics in the Prometheus format.
func (a *Agent) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Journal returns the hit journal, or nil when none is configured.
func (a *Agent) Journal() *journal.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.journal
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}
