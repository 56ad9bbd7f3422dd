// Package metrics exposes the daemon's Prometheus instruments. All
// methods are safe on a nil *Metrics, so components can take one
// optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/reset"
)

const namespace = "riskguard"

type Metrics struct {
	Registry *prometheus.Registry

	Events          *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	RuleErrors      *prometheus.CounterVec
	LockoutsSet     *prometheus.CounterVec
	LockoutsCleared *prometheus.CounterVec
	ActiveLockouts  prometheus.Gauge
	Resets          *prometheus.CounterVec
	ExecutorCalls   *prometheus.CounterVec
	PendingJobs     prometheus.Gauge
	TimersFired     prometheus.Counter
	TickDuration    *prometheus.HistogramVec
}

// New builds the instruments on a private registry, along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled by the coordinator.",
		}, []string{"type"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Rule violations by rule and action.",
		}, []string{"rule", "action"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule evaluations that failed or panicked.",
		}, []string{"rule"}),
		LockoutsSet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_set_total",
			Help:      "Lockouts applied, by kind.",
		}, []string{"kind"}),
		LockoutsCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_cleared_total",
			Help:      "Lockouts cleared, by cause.",
		}, []string{"cause"}),
		ActiveLockouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lockouts",
			Help:      "Lockouts currently in force.",
		}),
		Resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Scheduled resets fired.",
		}, []string{"trading_day"}),
		ExecutorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_calls_total",
			Help:      "Enforcement executor calls by op and result.",
		}, []string{"op", "result"}),
		PendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_enforcement_jobs",
			Help:      "Enforcement jobs not yet confirmed by the executor.",
		}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer callbacks fired.",
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Background loop iteration time.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"loop"}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Events,
		m.Violations,
		m.RuleErrors,
		m.LockoutsSet,
		m.LockoutsCleared,
		m.ActiveLockouts,
		m.Resets,
		m.ExecutorCalls,
		m.PendingJobs,
		m.TimersFired,
		m.TickDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventHandled(typ string) {
	if m != nil {
		m.Events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Violation(rule, action string) {
	if m != nil {
		m.Violations.WithLabelValues(rule, action).Inc()
	}
}

func (m *Metrics) RuleError(rule string) {
	if m != nil {
		m.RuleErrors.WithLabelValues(rule).Inc()
	}
}

func (m *Metrics) ExecutorCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ExecutorCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.PendingJobs.Set(float64(n))
	}
}

func (m *Metrics) SetActiveLockouts(n int) {
	if m != nil {
		m.ActiveLockouts.Set(float64(n))
	}
}

func (m *Metrics) TimersFiredN(n int) {
	if m != nil && n > 0 {
		m.TimersFired.Add(float64(n))
	}
}

func (m *Metrics) ObserveTick(loop string, seconds float64) {
	if m != nil {
		m.TickDuration.WithLabelValues(loop).Observe(seconds)
	}
}

// LockoutSet implements lockout.Listener.
func (m *Metrics) LockoutSet(l lockout.Lockout) {
	if m != nil {
		m.LockoutsSet.WithLabelValues(l.Kind.String()).Inc()
	}
}

func (m *Metrics) LockoutCleared(_ lockout.Lockout, cause lockout.Cause) {
	if m != nil {
		m.LockoutsCleared.WithLabelValues(string(cause)).Inc()
	}
}

// DailyResetCompleted implements reset.Listener.
func (m *Metrics) DailyResetCompleted(c reset.Completion) {
	if m == nil {
		return
	}
	td := "false"
	if c.TradingDay {
		td = "true"
	}
	m.Resets.WithLabelValues(td).Inc()
}
