// Package metrics exports session statistics to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aivorynet/ipa-go/pkg/luaeval"
	"github.com/aivorynet/ipa-go/pkg/trace"
)

const namespace = "ipa"

// Metrics holds the collectors of one agent. It implements trace.Observer.
type Metrics struct {
	// HitsTotal counts stops by reason.
	HitsTotal *prometheus.CounterVec

	// ConditionFailuresTotal counts conditions that failed to compile or
	// evaluate, by kind (compile, eval, other).
	ConditionFailuresTotal *prometheus.CounterVec

	// ConditionSeconds measures condition evaluation time.
	ConditionSeconds prometheus.Histogram

	// Breakpoints is the number of occupied registry slots.
	Breakpoints prometheus.Gauge

	// CapacityExceededTotal counts inserts rejected by a full registry.
	CapacityExceededTotal prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "Number of stop decisions by reason.",
		}, []string{"reason"}),
		ConditionFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condition_failures_total",
			Help:      "Number of breakpoint conditions that failed, by kind.",
		}, []string{"kind"}),
		ConditionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "condition_seconds",
			Help:      "Time spent evaluating breakpoint conditions.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		Breakpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breakpoints",
			Help:      "Number of breakpoints in the registry.",
		}),
		CapacityExceededTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_exceeded_total",
			Help:      "Number of breakpoint inserts rejected by a full registry.",
		}),
	}
}

// ObserveHit implements trace.Observer.
func (m *Metrics) ObserveHit(hit trace.Hit) {
	m.HitsTotal.WithLabelValues(hit.Reason.String()).Inc()
}

// ObserveConditionFailure implements trace.Observer.
func (m *Metrics) ObserveConditionFailure(err error) {
	m.ConditionFailuresTotal.WithLabelValues(failureKind(err)).Inc()
}

// ObserveEvaluation implements trace.Observer.
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	m.ConditionSeconds.Observe(d.Seconds())
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, luaeval.ErrCompile):
		return "compile"
	case errors.Is(err, luaeval.ErrEval):
		return "eval"
	default:
		return "other"
	}
}
