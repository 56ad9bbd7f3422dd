package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/reset"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	require.NoError(t, (<-ch).Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric")
	return 0
}

func TestListenersCount(t *testing.T) {
	t.Parallel()
	m := New()

	m.LockoutSet(lockout.Lockout{Kind: lockout.Hard})
	m.LockoutSet(lockout.Lockout{Kind: lockout.Hard})
	m.LockoutCleared(lockout.Lockout{}, lockout.CauseReset)
	m.DailyResetCompleted(reset.Completion{TradingDay: true})

	assert.Equal(t, 2.0, value(t, m.LockoutsSet.WithLabelValues("hard")))
	assert.Equal(t, 1.0, value(t, m.LockoutsCleared.WithLabelValues("reset")))
	assert.Equal(t, 1.0, value(t, m.Resets.WithLabelValues("true")))
}

func TestGaugesAndCalls(t *testing.T) {
	t.Parallel()
	m := New()
	m.SetPending(3)
	m.SetActiveLockouts(2)
	m.ExecutorCall("close_all", nil)
	m.ExecutorCall("close_all", io.EOF)
	m.TimersFiredN(4)

	assert.Equal(t, 3.0, value(t, m.PendingJobs))
	assert.Equal(t, 2.0, value(t, m.ActiveLockouts))
	assert.Equal(t, 1.0, value(t, m.ExecutorCalls.WithLabelValues("close_all", "ok")))
	assert.Equal(t, 1.0, value(t, m.ExecutorCalls.WithLabelValues("close_all", "error")))
	assert.Equal(t, 4.0, value(t, m.TimersFired))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventHandled("trade")
		m.Violation("r", "alert")
		m.RuleError("r")
		m.SetPending(1)
		m.LockoutSet(lockout.Lockout{})
		m.DailyResetCompleted(reset.Completion{})
		m.ObserveTick("fast", 0.1)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	m := New()
	m.EventHandled("position")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `riskguard_events_total{type="position"} 1`)
}
