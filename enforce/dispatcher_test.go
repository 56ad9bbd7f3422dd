package enforce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskguard/broker"
	"github.com/rustyeddy/riskguard/broker/paper"
	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/journal"
	"github.com/rustyeddy/riskguard/metrics"
	"github.com/rustyeddy/riskguard/risk"
)

func closeJob(account string) Job {
	return Job{
		Account:  account,
		RuleID:   "daily-loss",
		Action:   risk.CloseAllAndLock,
		Commands: []broker.Command{{Op: broker.OpCancelAll, Account: account}, {Op: broker.OpCloseAll, Account: account}},
	}
}

func newTestDispatcher(t *testing.T, x broker.Executor, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{WithBackoff(fault.Backoff{Attempts: 1, Initial: time.Millisecond})}, opts...)
	d := NewDispatcher(x, clock.NewFake(time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)), zerolog.Nop(), opts...)
	t.Cleanup(d.Close)
	return d
}

func TestDispatcherConfirmsJob(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	j := &memJournal{}
	d := newTestDispatcher(t, x, WithJournal(j))

	jid := d.Submit(closeJob("ACC1"))
	d.Wait()

	assert.NotEmpty(t, jid)
	assert.Empty(t, d.Pending(""))
	assert.Len(t, x.Commands(), 2)
	assert.Equal(t, []journal.ActionStatus{journal.ActionPending, journal.ActionDone}, j.statuses(jid))
}

func TestDispatcherResumesAtFailedCommand(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	d := newTestDispatcher(t, x)

	// cancel succeeds, close fails once.
	x.FailNext(nil, errors.New("timeout"))
	d.Submit(closeJob("ACC1"))
	d.Wait()

	pending := d.Pending("ACC1")
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].done)

	require.Equal(t, 1, d.RetryPending())
	d.Wait()
	assert.Empty(t, d.Pending(""))

	var ops []broker.Op
	for _, c := range x.Commands() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []broker.Op{broker.OpCancelAll, broker.OpCloseAll, broker.OpCloseAll}, ops)
}

func TestDispatcherRetriesWithinRound(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	d := newTestDispatcher(t, x, WithBackoff(fault.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}))

	x.FailNext(errors.New("503"), errors.New("503"))
	d.Submit(Job{Account: "ACC1", Action: risk.ClosePosition, Commands: []broker.Command{{Op: broker.OpClosePosition, Account: "ACC1", Symbol: "ES"}}})
	d.Wait()

	assert.Empty(t, d.Pending(""))
	assert.Len(t, x.Commands(), 3)
}

func TestDispatcherBreakerOpensPerAccount(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	d := newTestDispatcher(t, x, WithBreaker(2, time.Hour))

	outage := errors.New("connection refused")
	x.FailNext(outage, outage)
	job := Job{Account: "ACC1", Action: risk.CooldownAndCancel, Commands: []broker.Command{{Op: broker.OpCancelAll, Account: "ACC1"}}}
	d.Submit(job)
	d.Submit(job)
	d.Wait()
	require.Len(t, x.Commands(), 2)

	// The breaker is open: the executor is not called at all.
	third := d.Submit(job)
	d.Wait()
	assert.Len(t, x.Commands(), 2)
	pending := d.Pending("ACC1")
	require.Len(t, pending, 3)
	for _, p := range pending {
		if p.ID == third {
			assert.Contains(t, p.LastErr, "open")
			assert.Equal(t, 1, p.Attempts)
		}
	}

	// Another account is unaffected.
	d.Submit(Job{Account: "ACC2", Action: risk.CooldownAndCancel, Commands: []broker.Command{{Op: broker.OpCancelAll, Account: "ACC2"}}})
	d.Wait()
	assert.Len(t, x.Commands(), 3)
	assert.Empty(t, d.Pending("ACC2"))
}

func TestDispatcherRateLimit(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	d := newTestDispatcher(t, x, WithRateLimit(1000, 1))

	for i := 0; i < 5; i++ {
		d.Submit(closeJob("ACC1"))
	}
	d.Wait()
	assert.Len(t, x.Commands(), 10)
	assert.Empty(t, d.Pending(""))
}

type failingJournal struct{}

func (failingJournal) RecordAction(context.Context, journal.ActionRecord) error {
	return errors.New("disk full")
}

func TestDispatcherJournalFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	m := metrics.New()
	d := newTestDispatcher(t, x, WithJournal(failingJournal{}), WithMetrics(m))

	d.Submit(closeJob("ACC1"))
	d.Wait()
	assert.Empty(t, d.Pending(""))
	assert.Len(t, x.Commands(), 2)
}

func TestDispatcherCloseStopsRetries(t *testing.T) {
	t.Parallel()
	x := paper.New(clock.Real{})
	d := NewDispatcher(x, clock.Real{}, zerolog.Nop(),
		WithBackoff(fault.Backoff{Attempts: 100, Initial: time.Hour, Max: time.Hour}))

	x.FailNext(errors.New("down"))
	d.Submit(closeJob("ACC1"))

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not interrupt the backoff")
	}
	assert.Len(t, d.Pending("ACC1"), 1)
}
