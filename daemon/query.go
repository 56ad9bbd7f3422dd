package daemon

import (
	"context"
	"time"

	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/reset"
)

// GetLockoutInfo returns the lockout in force for k. Symbol keys also see
// the account-wide lockout.
func (c *StateCore) GetLockoutInfo(k lockout.Key) (lockout.Info, bool) {
	locked, info := c.Lockouts.IsLockedOut(k)
	if !locked || info == nil {
		return lockout.Info{}, false
	}
	return *info, true
}

func (c *StateCore) GetRemainingTime(timerID string) (time.Duration, bool) {
	return c.Timers.RemainingTime(timerID)
}

// Stats is the per-account status view.
type Stats struct {
	Account            string            `json:"account"`
	Configured         bool              `json:"configured"`
	Locked             bool              `json:"locked"`
	Lockouts           []LockoutView     `json:"lockouts"`
	DailyPnL           float64           `json:"daily_pnl"`
	WeeklyPnL          float64           `json:"weekly_pnl"`
	OpenPositions      []string          `json:"open_positions"`
	WorkingOrders      int               `json:"working_orders"`
	PendingEnforcement []PendingView     `json:"pending_enforcement"`
	PendingPnLResets   []string          `json:"pending_pnl_resets,omitempty"`
	NextReset          *time.Time        `json:"next_reset,omitempty"`
	LastReset          *reset.Completion `json:"last_reset,omitempty"`
	Error              string            `json:"error,omitempty"`
}

type LockoutView struct {
	Symbol      string     `json:"symbol,omitempty"`
	Kind        string     `json:"kind"`
	Reason      string     `json:"reason"`
	Rule        string     `json:"rule"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Remaining   string     `json:"remaining,omitempty"`
	DayScoped   bool       `json:"day_scoped"`
	Unpersisted bool       `json:"unpersisted,omitempty"`
}

// PendingView is an enforcement job still retrying.
type PendingView struct {
	ID        string `json:"id"`
	Rule      string `json:"rule"`
	Action    string `json:"action"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

func lockoutView(in lockout.Info) LockoutView {
	v := LockoutView{
		Symbol:      in.Key.Symbol,
		Kind:        in.Kind.String(),
		Reason:      in.Reason,
		Rule:        in.SourceRuleID,
		CreatedAt:   in.CreatedAt,
		DayScoped:   in.DayScoped,
		Unpersisted: in.Unpersisted,
	}
	if !in.Indefinite {
		exp := in.ExpiresAt
		v.ExpiresAt = &exp
		v.Remaining = in.Remaining.Round(time.Second).String()
	}
	return v
}

// GetStats gathers what a dashboard shows for one account.
func (c *StateCore) GetStats(ctx context.Context, account string) Stats {
	s := Stats{
		Account:    account,
		Configured: c.accounts[account],
		Lockouts:   []LockoutView{},
	}
	s.Locked, _ = c.Lockouts.IsLockedOut(lockout.AccountKey(account))
	for _, in := range c.Lockouts.ActiveFor(account) {
		s.Lockouts = append(s.Lockouts, lockoutView(in))
	}

	st, err := c.Portfolio.Snapshot(ctx, account)
	if err != nil {
		s.Error = err.Error()
	}
	s.DailyPnL = st.DailyPnL()
	s.WeeklyPnL = st.WeeklyPnL()
	s.OpenPositions = c.Portfolio.OpenSymbols(account)
	s.WorkingOrders = st.WorkingOrders

	s.PendingEnforcement = []PendingView{}
	for _, j := range c.Dispatcher.Pending(account) {
		s.PendingEnforcement = append(s.PendingEnforcement, PendingView{
			ID:        j.ID,
			Rule:      j.RuleID,
			Action:    j.Action.String(),
			Attempts:  j.Attempts,
			LastError: j.LastErr,
		})
	}

	if next, ok := c.Resets.NextResetTime(account, c.Clock.Now()); ok {
		s.NextReset = &next
	}
	if last, ok := c.Resets.LastReset(account); ok {
		s.LastReset = &last
	}
	s.PendingPnLResets = c.Resets.PendingPnL(account)
	return s
}
