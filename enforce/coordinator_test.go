package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/portfolio"
	"github.com/rustyeddy/riskguard/risk"
	"github.com/rustyeddy/riskguard/timer"
)

type fixedResets struct {
	next time.Time
	ok   bool
}

func (f fixedResets) NextResetTime(string, time.Time) (time.Time, bool) { return f.next, f.ok }

type memJournal struct {
	mu   sync.Mutex
	recs []journal.ActionRecord
}

func (j *memJournal) RecordAction(_ context.Context, a journal.ActionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, a)
	return nil
}

func (j *memJournal) statuses(id string) []journal.ActionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.ActionStatus
	for _, r := range j.recs {
		if r.ID == id {
			out = append(out, r.Status)
		}
	}
	return out
}

type alerts struct {
	mu sync.Mutex
	vs []risk.Violation
}

func (a *alerts) Notify(_ context.Context, v risk.Violation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vs = append(a.vs, v)
}

// countingRule records how often it is evaluated and never trips.
type countingRule struct{ n atomic.Int32 }

func (r *countingRule) ID() string { return "counter" }

func (r *countingRule) Evaluate(risk.Event, risk.AccountState) (*risk.Violation, error) {
	r.n.Add(1)
	return nil, nil
}

type panicRule struct{}

func (panicRule) ID() string { return "panics" }

func (panicRule) Evaluate(risk.Event, risk.AccountState) (*risk.Violation, error) {
	panic("index out of range")
}

type errRule struct{}

func (errRule) ID() string { return "errors" }

func (errRule) Evaluate(risk.Event, risk.AccountState) (*risk.Violation, error) {
	return nil, errors.New("missing quote")
}

type harness struct {
	clock    *clock.Fake
	timers   *timer.Manager
	lockouts *lockout.Manager
	exec     *paper.Executor
	journal  *memJournal
	alerts   *alerts
	dispatch *Dispatcher
	coord    *Coordinator
	reset    time.Time
}

func newHarness(t *testing.T, resets ResetTimes) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)),
		journal: &memJournal{},
		alerts:  &alerts{},
	}
	h.reset = time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC)
	if resets == nil {
		resets = fixedResets{next: h.reset, ok: true}
	}
	h.timers = timer.NewManager(h.clock, zerolog.Nop())
	h.lockouts = lockout.New(h.clock, h.timers, nil, zerolog.Nop())
	h.exec = paper.New(h.clock)
	h.dispatch = NewDispatcher(h.exec, h.clock, zerolog.Nop(),
		WithBackoff(fault.Backoff{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}),
		WithJournal(h.journal),
	)
	t.Cleanup(h.dispatch.Close)
	h.coord = NewCoordinator(h.clock, h.lockouts, resets, portfolio.NewTracker(nil), h.dispatch, zerolog.Nop(),
		WithNotifier(h.alerts))
	return h
}

func (h *harness) rules(t *testing.T, specs ...risk.Spec) {
	t.Helper()
	rules, err := risk.Build(specs)
	require.NoError(t, err)
	h.coord.SetRules(rules)
}

func (h *harness) ops() []broker.Op {
	var out []broker.Op
	for _, c := range h.exec.Commands() {
		out = append(out, c.Op)
	}
	return out
}

func TestLockedAccountClosesNewExposureWithoutRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	counter := &countingRule{}
	h.coord.SetRules([]risk.Rule{counter})

	_, _, err := h.lockouts.SetLockout(ctx, lockout.Request{
		Key: lockout.AccountKey("ACC1"), Reason: "daily loss", Kind: lockout.Hard, Until: h.reset,
	})
	require.NoError(t, err)

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 1, AvgPrice: 5000})
	require.NoError(t, err)
	h.dispatch.Wait()

	assert.True(t, out.Locked)
	assert.Equal(t, Dispatched, out.Stage)
	require.Len(t, out.Violations, 1)
	assert.Equal(t, risk.ClosePosition, out.Violations[0].Action)
	assert.Equal(t, LockoutRuleID, out.Violations[0].RuleID)
	assert.Equal(t, "ES", out.Violations[0].Symbol)
	assert.Equal(t, int32(0), counter.n.Load(), "rules are not consulted")

	cmds := h.exec.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, broker.OpClosePosition, cmds[0].Op)
	assert.Equal(t, "ES", cmds[0].Symbol)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, []journal.ActionStatus{journal.ActionPending, journal.ActionDone}, h.journal.statuses(out.Jobs[0]))
}

func TestLockedAccountReductionIsEvaluatedNormally(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	counter := &countingRule{}
	h.coord.SetRules([]risk.Rule{counter})

	_, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 2})
	require.NoError(t, err)
	_, _, err = h.lockouts.SetLockout(ctx, lockout.Request{Key: lockout.AccountKey("ACC1"), Reason: "x", Kind: lockout.Hard, Indefinite: true})
	require.NoError(t, err)

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 1})
	require.NoError(t, err)
	assert.True(t, out.Locked)
	assert.Equal(t, NoViolation, out.Stage)
	assert.Equal(t, int32(2), counter.n.Load())
}

func TestLockedAccountWorkingOrderIsCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	_, _, err := h.lockouts.SetLockout(ctx, lockout.Request{Key: lockout.SymbolKey("ACC1", "NQ"), Reason: "cooldown", Kind: lockout.Cooldown, Duration: 10 * time.Minute})
	require.NoError(t, err)

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.OrderUpdate, Account: "ACC1", Symbol: "NQ", Size: 1, OrderID: "o-7", OrderStatus: risk.OrderWorking})
	require.NoError(t, err)
	h.dispatch.Wait()
	assert.True(t, out.Locked)
	assert.Equal(t, []broker.Op{broker.OpCancelAll}, h.ops())

	// Other symbols are not blocked by a symbol lockout.
	out, err = h.coord.HandleEvent(ctx, risk.Event{Type: risk.OrderUpdate, Account: "ACC1", Symbol: "ES", Size: 1, OrderID: "o-8", OrderStatus: risk.OrderWorking})
	require.NoError(t, err)
	assert.False(t, out.Locked)
	assert.Equal(t, NoViolation, out.Stage)
}

func TestDailyLossLocksBeforeClosing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "daily-loss", Type: "daily_loss", Limit: 500, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}})

	_, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: 1, Price: 5000})
	require.NoError(t, err)
	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: -1, Price: 4988, RealizedPnL: -600})
	require.NoError(t, err)
	h.dispatch.Wait()

	assert.Equal(t, Dispatched, out.Stage)
	require.Len(t, out.Lockouts, 1)
	l := out.Lockouts[0]
	assert.Equal(t, lockout.Hard, l.Kind)
	assert.True(t, l.Key.AccountWide())
	assert.True(t, l.DayScoped)
	assert.True(t, l.ExpiresAt.Equal(h.reset))
	assert.Equal(t, "daily-loss", l.SourceRuleID)

	assert.Equal(t, []broker.Op{broker.OpCancelAll, broker.OpCloseAll}, h.ops())

	locked, info := h.lockouts.IsLockedOut(lockout.SymbolKey("ACC1", "CL"))
	assert.True(t, locked)
	require.NotNil(t, info)
	assert.Equal(t, lockout.Hard, info.Kind)
}

func TestRepeatViolationWhileLockedFlattensOnlyWhatIsLeft(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "daily-loss", Type: "daily_loss", Limit: 500, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}})

	_, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "CL", Size: 2, AvgPrice: 70})
	require.NoError(t, err)
	_, err = h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: 1, Price: 5000})
	require.NoError(t, err)
	first, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: -1, Price: 4988, RealizedPnL: -600})
	require.NoError(t, err)
	h.dispatch.Wait()
	require.Len(t, first.Lockouts, 1)
	require.Len(t, first.Jobs, 1)

	// CL is still open in the account's book, so the repeat flattens again.
	again, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "CL", Size: 1, AvgPrice: 70})
	require.NoError(t, err)
	h.dispatch.Wait()
	assert.Empty(t, again.Lockouts)
	assert.Len(t, again.Jobs, 1)

	// Once flat, the kept lockout is enough.
	flat, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "CL", Size: 0})
	require.NoError(t, err)
	h.dispatch.Wait()
	assert.Equal(t, Dispatched, flat.Stage)
	require.Len(t, flat.Violations, 1)
	assert.Equal(t, "daily-loss", flat.Violations[0].RuleID)
	assert.Empty(t, flat.Jobs)
	assert.Empty(t, flat.Lockouts)

	assert.Equal(t, []broker.Op{broker.OpCancelAll, broker.OpCloseAll, broker.OpCancelAll, broker.OpCloseAll}, h.ops())
	assert.Len(t, h.lockouts.Active(), 1)
}

func TestExecutorFailureKeepsLockoutAndRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "weekly", Type: "weekly_loss", Limit: 100, Action: "close_all_and_lock", Lock: risk.LockSpec{Indefinite: true}})

	outage := errors.New("broker unavailable")
	h.exec.FailNext(outage, outage)

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: 1, Price: 1, RealizedPnL: -150})
	require.NoError(t, err)
	h.dispatch.Wait()

	locked, _ := h.lockouts.IsLockedOut(lockout.AccountKey("ACC1"))
	assert.True(t, locked, "fail safe toward blocked")

	pending := h.dispatch.Pending("ACC1")
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Contains(t, pending[0].LastErr, "broker unavailable")
	assert.Empty(t, h.dispatch.Pending("ACC2"))

	assert.Equal(t, 1, h.dispatch.RetryPending())
	h.dispatch.Wait()
	assert.Empty(t, h.dispatch.Pending(""))
	assert.Equal(t, []broker.Op{broker.OpCancelAll, broker.OpCancelAll, broker.OpCancelAll, broker.OpCloseAll}, h.ops())

	require.Len(t, out.Jobs, 1)
	assert.Equal(t,
		[]journal.ActionStatus{journal.ActionPending, journal.ActionFailed, journal.ActionDone},
		h.journal.statuses(out.Jobs[0]))
}

func TestRuleFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	size, err := risk.Spec{ID: "max-size", Type: "max_position_size", Limit: 2, Action: "close_position"}.Build()
	require.NoError(t, err)
	h.coord.SetRules([]risk.Rule{panicRule{}, errRule{}, size})

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 3})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.RuleEvaluation))
	assert.Contains(t, err.Error(), "panic")

	require.Len(t, out.Violations, 1)
	assert.Equal(t, "max-size", out.Violations[0].RuleID)
	h.dispatch.Wait()
	assert.Equal(t, []broker.Op{broker.OpClosePosition}, h.ops())
	assert.Empty(t, h.lockouts.Active(), "close position does not lock")
}

func TestCooldownExpiresByTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "overtrading", Type: "trade_frequency", MaxTrades: 2, Window: "5m", Action: "cooldown_and_cancel", Lock: risk.LockSpec{Duration: "15m"}})

	var out Outcome
	for i := 0; i < 3; i++ {
		var err error
		out, err = h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC1", Symbol: "ES", Size: 1, Price: 1, Time: h.clock.Now()})
		require.NoError(t, err)
	}
	h.dispatch.Wait()
	require.Len(t, out.Lockouts, 1)
	assert.Equal(t, lockout.Cooldown, out.Lockouts[0].Kind)
	assert.Equal(t, []broker.Op{broker.OpCancelAll}, h.ops())

	h.clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, h.timers.Tick())
	locked, _ := h.lockouts.IsLockedOut(lockout.AccountKey("ACC1"))
	assert.False(t, locked)
}

func TestNoResetScheduleLocksIndefinitely(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fixedResets{})
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "target", Type: "daily_profit_target", Limit: 100, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}})

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.TradeExecuted, Account: "ACC9", Symbol: "ES", Size: 1, Price: 1, RealizedPnL: 250})
	require.NoError(t, err)
	require.Len(t, out.Lockouts, 1)
	assert.True(t, out.Lockouts[0].Indefinite())
	assert.False(t, out.Lockouts[0].DayScoped)
}

func TestAlertNotifiesAndJournals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t, risk.Spec{ID: "watch", Type: "unrealized_loss", Limit: 50, Action: "alert", Severity: "warning"})

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 1, UnrealizedPnL: -60})
	require.NoError(t, err)
	h.dispatch.Wait()

	require.Len(t, h.alerts.vs, 1)
	assert.Equal(t, risk.Warning, h.alerts.vs[0].Severity)
	assert.Empty(t, h.exec.Commands())
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, []journal.ActionStatus{journal.ActionPending, journal.ActionDone}, h.journal.statuses(out.Jobs[0]))
}

func TestMultipleViolationsFlattenOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rules(t,
		risk.Spec{ID: "per-trade", Type: "unrealized_loss", Limit: 100, Action: "close_position"},
		risk.Spec{ID: "daily-loss", Type: "daily_loss", Limit: 100, Action: "close_all_and_lock", Lock: risk.LockSpec{Until: risk.NextReset}},
		risk.Spec{ID: "weekly-loss", Type: "weekly_loss", Limit: 100, Action: "close_all_and_lock", Lock: risk.LockSpec{Indefinite: true}},
	)

	out, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: "ACC1", Symbol: "ES", Size: 1, UnrealizedPnL: -150})
	require.NoError(t, err)
	h.dispatch.Wait()

	require.Len(t, out.Violations, 3)
	assert.Len(t, out.Lockouts, 2)
	// Jobs run concurrently, so only the set of commands is fixed.
	assert.ElementsMatch(t, []broker.Op{broker.OpClosePosition, broker.OpCancelAll, broker.OpCloseAll}, h.ops())

	// Indefinite outranks the day-scoped lock.
	_, info := h.lockouts.IsLockedOut(lockout.AccountKey("ACC1"))
	require.NotNil(t, info)
	assert.True(t, info.Indefinite)
	assert.Equal(t, "weekly-loss", info.SourceRuleID)
}

func TestConcurrentEventsAndRuleSwaps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	size, err := risk.Spec{ID: "max-size", Type: "max_position_size", Limit: 1000, Action: "close_position"}.Build()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		acct := fmt.Sprintf("ACC%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 1; n <= 50; n++ {
				_, err := h.coord.HandleEvent(ctx, risk.Event{Type: risk.PositionUpdate, Account: acct, Symbol: "ES", Size: float64(n)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 50; n++ {
			h.coord.SetRules([]risk.Rule{size})
			h.coord.SetRules(nil)
		}
	}()
	wg.Wait()
	h.dispatch.Wait()
	assert.Empty(t, h.exec.Commands())
}

func TestEventWithoutAccountIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	_, err := h.coord.HandleEvent(context.Background(), risk.Event{Type: risk.PositionUpdate})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Logic))
}
