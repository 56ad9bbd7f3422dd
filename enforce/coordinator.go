// Package enforce routes normalized broker events through the rule set and
// turns violations into enforcement: executor jobs and lockouts.
//
// An event moves Received → Evaluated → NoViolation | Violated →
// Dispatched. Events for one account are handled one at a time; accounts
// never wait on each other.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/broker"
	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/metrics"
	"github.com/rustyeddy/riskguard/risk"
)

// LockoutRuleID marks violations raised by the coordinator itself for new
// exposure on a locked account.
const LockoutRuleID = "lockout"

type Stage int

const (
	Received Stage = iota
	Evaluated
	NoViolation
	Violated
	Dispatched
)

func (s Stage) String() string {
	switch s {
	case Received:
		return "received"
	case Evaluated:
		return "evaluated"
	case NoViolation:
		return "no_violation"
	case Violated:
		return "violated"
	case Dispatched:
		return "dispatched"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Lockouts is the part of the lockout manager the coordinator uses.
type Lockouts interface {
	SetLockout(ctx context.Context, req lockout.Request) (lockout.Lockout, bool, error)
	IsLockedOut(k lockout.Key) (bool, *lockout.Info)
}

// ResetTimes resolves "until next reset" lock terms.
type ResetTimes interface {
	NextResetTime(account string, now time.Time) (time.Time, bool)
}

// State folds an event into account state. It returns the position held
// on the event's symbol before the event and the state after it.
type State interface {
	Apply(ctx context.Context, ev risk.Event) (risk.Position, risk.AccountState, error)
}

// Notifier receives Alert violations.
type Notifier interface {
	Notify(ctx context.Context, v risk.Violation)
}

// LogNotifier writes alerts to a logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, v risk.Violation) {
	n.Log.Warn().
		Str("account", v.Account).
		Str("symbol", v.Symbol).
		Str("rule", v.RuleID).
		Str("severity", v.Severity.String()).
		Msg(v.Message)
}

// Outcome reports what HandleEvent did with one event.
type Outcome struct {
	Stage      Stage
	Locked     bool
	Violations []risk.Violation
	Lockouts   []lockout.Lockout
	Jobs       []string
}

type Coordinator struct {
	clock    clock.Clock
	lockouts Lockouts
	resets   ResetTimes
	state    State
	dispatch *Dispatcher
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	rules atomic.Pointer[[]risk.Rule]

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

type Option func(*Coordinator)

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithCoordinatorMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(clk clock.Clock, lockouts Lockouts, resets ResetTimes, state State, d *Dispatcher, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:    clk,
		lockouts: lockouts,
		resets:   resets,
		state:    state,
		dispatch: d,
		log:      log.With().Str("component", "coordinator").Logger(),
		accounts: make(map[string]*sync.Mutex),
	}
	c.notifier = LogNotifier{Log: c.log}
	for _, o := range opts {
		o(c)
	}
	empty := []risk.Rule{}
	c.rules.Store(&empty)
	return c
}

// SetRules swaps the rule list. Events already being evaluated finish with
// the list they started with.
func (c *Coordinator) SetRules(rules []risk.Rule) {
	cp := append([]risk.Rule(nil), rules...)
	c.rules.Store(&cp)
	c.log.Info().Int("rules", len(cp)).Msg("rule set installed")
}

func (c *Coordinator) Rules() []risk.Rule {
	return *c.rules.Load()
}

func (c *Coordinator) accountLock(account string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.accounts[account]
	if !ok {
		m = &sync.Mutex{}
		c.accounts[account] = m
	}
	return m
}

// HandleEvent evaluates ev and dispatches whatever enforcement it calls
// for. Executor work runs in the background; HandleEvent returns once the
// lockouts are set and the jobs submitted. The error joins rule and
// lockout failures; enforcement for the other violations still happens.
func (c *Coordinator) HandleEvent(ctx context.Context, ev risk.Event) (Outcome, error) {
	out := Outcome{Stage: Received}
	if ev.Account == "" {
		return out, fault.Invariant("handle event", errors.New("event without account"))
	}
	if ev.Time.IsZero() {
		ev.Time = c.clock.Now()
	}
	c.metrics.EventHandled(ev.Type.String())

	mu := c.accountLock(ev.Account)
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	before, st, err := c.state.Apply(ctx, ev)
	if err != nil {
		// Evaluate against what we have; P&L counters may read as zero.
		c.log.Error().Err(err).Str("account", ev.Account).Msg("account state incomplete")
		errs = append(errs, err)
	}

	locked, info := c.lockouts.IsLockedOut(lockout.SymbolKey(ev.Account, ev.Symbol))
	out.Locked = locked
	if locked {
		if v, ok := c.lockedViolation(ev, before, info); ok {
			out.Stage = Violated
			out.Violations = []risk.Violation{v}
			c.dispatchAll(ctx, ev, st, &out, &errs)
			return out, errors.Join(errs...)
		}
	}

	out.Violations = c.evaluate(ev, st, &errs)
	out.Stage = Evaluated
	if len(out.Violations) == 0 {
		out.Stage = NoViolation
		return out, errors.Join(errs...)
	}
	out.Stage = Violated
	c.dispatchAll(ctx, ev, st, &out, &errs)
	return out, errors.Join(errs...)
}

// lockedViolation applies the locked-account invariant: anything that adds
// exposure is closed or cancelled without consulting the rules.
func (c *Coordinator) lockedViolation(ev risk.Event, before risk.Position, info *lockout.Info) (risk.Violation, bool) {
	if !risk.OpensExposure(ev, before) {
		return risk.Violation{}, false
	}
	reason := ""
	if info != nil {
		reason = info.Reason
	}
	v := risk.Violation{
		RuleID:   LockoutRuleID,
		Account:  ev.Account,
		Symbol:   ev.Symbol,
		Severity: risk.Critical,
		Action:   risk.ClosePosition,
	}
	if ev.Type == risk.OrderUpdate {
		v.Action = risk.CooldownAndCancel
		v.Message = fmt.Sprintf("working order %s while locked out (%s)", ev.OrderID, reason)
	} else {
		v.Message = fmt.Sprintf("new exposure on %s while locked out (%s)", ev.Symbol, reason)
	}
	return v, true
}

func (c *Coordinator) evaluate(ev risk.Event, st risk.AccountState, errs *[]error) []risk.Violation {
	var vs []risk.Violation
	for _, r := range c.Rules() {
		v, err := evalRule(r, ev, st)
		if err != nil {
			c.metrics.RuleError(r.ID())
			c.log.Error().Err(err).Str("account", ev.Account).Str("rule", r.ID()).Msg("rule evaluation failed")
			*errs = append(*errs, err)
			continue
		}
		if v == nil {
			continue
		}
		if v.Account == "" {
			v.Account = ev.Account
		}
		vs = append(vs, *v)
	}
	return vs
}

// evalRule isolates one rule: errors and panics become RuleEvaluation
// faults and count as no violation.
func evalRule(r risk.Rule, ev risk.Event, st risk.AccountState) (v *risk.Violation, err error) {
	defer func() {
		if p := recover(); p != nil {
			v = nil
			err = fault.RuleEval("rule "+r.ID(), fmt.Errorf("panic: %v", p))
		}
	}()
	v, err = r.Evaluate(ev, st)
	if err != nil {
		return nil, fault.RuleEval("rule "+r.ID(), err)
	}
	return v, nil
}

// exposed reports whether the account still holds positions or orders.
func exposed(st risk.AccountState) bool {
	if st.WorkingOrders > 0 {
		return true
	}
	for _, p := range st.Positions {
		if !p.Flat() {
			return true
		}
	}
	return false
}

func (c *Coordinator) dispatchAll(ctx context.Context, ev risk.Event, st risk.AccountState, out *Outcome, errs *[]error) {
	// One flatten per cycle is enough; later violations still lock.
	flattened := false
	cancelled := false
	for _, v := range out.Violations {
		c.metrics.Violation(v.RuleID, v.Action.String())
		c.log.Info().
			Str("account", v.Account).
			Str("symbol", v.Symbol).
			Str("rule", v.RuleID).
			Str("action", v.Action.String()).
			Str("severity", v.Severity.String()).
			Msg(v.Message)

		var cmds []broker.Command
		now := c.clock.Now()
		switch v.Action {
		case risk.ClosePosition:
			sym := v.Symbol
			if sym == "" {
				sym = ev.Symbol
			}
			if !flattened {
				cmds = append(cmds, broker.Command{Op: broker.OpClosePosition, Account: v.Account, Symbol: sym, Time: now})
			}
		case risk.CloseAllAndLock:
			// Lock before closing so a failed close still leaves the
			// account blocked.
			l, applied, err := c.lock(ctx, v, lockout.Hard, lockout.AccountKey(v.Account))
			switch {
			case err != nil:
				*errs = append(*errs, err)
			case applied:
				out.Lockouts = append(out.Lockouts, l)
			case l.Kind == lockout.Hard && l.SourceRuleID == v.RuleID && !exposed(st):
				// Already locked by this rule and nothing left to close.
				c.log.Debug().Str("account", v.Account).Str("rule", v.RuleID).Str("lockout_id", l.ID).Msg("already enforced")
				continue
			}
			if !flattened {
				cmds = append(cmds,
					broker.Command{Op: broker.OpCancelAll, Account: v.Account, Time: now},
					broker.Command{Op: broker.OpCloseAll, Account: v.Account, Time: now},
				)
				flattened, cancelled = true, true
			}
		case risk.CooldownAndCancel:
			if v.RuleID != LockoutRuleID {
				k := lockout.AccountKey(v.Account)
				if v.Symbol != "" {
					k = lockout.SymbolKey(v.Account, v.Symbol)
				}
				if l, applied, err := c.lock(ctx, v, lockout.Cooldown, k); err != nil {
					*errs = append(*errs, err)
				} else if applied {
					out.Lockouts = append(out.Lockouts, l)
				}
			}
			if !cancelled {
				cmds = append(cmds, broker.Command{Op: broker.OpCancelAll, Account: v.Account, Time: now})
				cancelled = true
			}
		case risk.Alert:
			c.notifier.Notify(ctx, v)
		default:
			*errs = append(*errs, fault.Invariant("dispatch", fmt.Errorf("rule %s: unknown action %v", v.RuleID, v.Action)))
			continue
		}

		if c.dispatch == nil || (len(cmds) == 0 && v.Action != risk.Alert) {
			continue
		}
		jobID := c.dispatch.Submit(Job{
			Account:  v.Account,
			Symbol:   v.Symbol,
			RuleID:   v.RuleID,
			Action:   v.Action,
			Commands: cmds,
		})
		out.Jobs = append(out.Jobs, jobID)
	}
	out.Stage = Dispatched
}

// lock turns the violation's lock term into a lockout request. It returns
// the lockout active on k afterwards and whether this request set it; a
// zero lockout means nothing is active.
func (c *Coordinator) lock(ctx context.Context, v risk.Violation, kind lockout.Kind, k lockout.Key) (lockout.Lockout, bool, error) {
	req := lockout.Request{
		Key:          k,
		Reason:       v.Message,
		Kind:         kind,
		SourceRuleID: v.RuleID,
	}
	now := c.clock.Now()
	switch v.Lock.Mode {
	case risk.UntilReset, risk.NoLock:
		next, ok := time.Time{}, false
		if c.resets != nil {
			next, ok = c.resets.NextResetTime(v.Account, now)
		}
		if !ok {
			c.log.Warn().Str("account", v.Account).Str("rule", v.RuleID).Msg("no reset schedule; lockout is indefinite")
			req.Indefinite = true
			break
		}
		req.Until = next
		req.DayScoped = true
	case risk.UntilTime:
		if !v.Lock.Until.After(now) {
			c.log.Warn().Str("account", v.Account).Str("rule", v.RuleID).Time("until", v.Lock.Until).Msg("lock term already passed")
			return lockout.Lockout{}, false, nil
		}
		req.Until = v.Lock.Until
	case risk.ForDuration:
		req.Duration = v.Lock.Duration
	case risk.Indefinite:
		req.Indefinite = true
	}

	l, applied, err := c.lockouts.SetLockout(ctx, req)
	if err != nil {
		c.log.Error().Err(err).Str("account", v.Account).Str("rule", v.RuleID).Msg("set lockout failed")
		return lockout.Lockout{}, false, err
	}
	return l, applied, nil
}
