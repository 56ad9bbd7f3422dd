// Package portfolio folds the event stream into per-account state: open
// positions, working orders, recent fills and realized P&L.
package portfolio

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/riskguard/pnl"
	"github.com/rustyeddy/riskguard/reset"
	"github.com/rustyeddy/riskguard/risk"
)

const DefaultTradeRetention = 24 * time.Hour

type account struct {
	mu        sync.Mutex
	positions map[string]risk.Position
	orders    map[string]risk.Event
	trades    []time.Time
}

type Tracker struct {
	pnl    pnl.Store
	retain time.Duration

	mu       sync.Mutex
	accounts map[string]*account
}

func NewTracker(store pnl.Store) *Tracker {
	if store == nil {
		store = pnl.NewMemory()
	}
	return &Tracker{pnl: store, retain: DefaultTradeRetention, accounts: make(map[string]*account)}
}

// SetTradeRetention bounds how far back fill times are kept for frequency
// rules.
func (t *Tracker) SetTradeRetention(d time.Duration) {
	if d > 0 {
		t.retain = d
	}
}

func (t *Tracker) get(id string) *account {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[id]
	if !ok {
		a = &account{positions: make(map[string]risk.Position), orders: make(map[string]risk.Event)}
		t.accounts[id] = a
	}
	return a
}

// Apply folds ev into the account and returns the position held on
// ev.Symbol before the event and the account state after it.
func (t *Tracker) Apply(ctx context.Context, ev risk.Event) (risk.Position, risk.AccountState, error) {
	a := t.get(ev.Account)
	a.mu.Lock()
	before := a.positions[ev.Symbol]
	before.Symbol = ev.Symbol

	switch ev.Type {
	case risk.PositionUpdate:
		a.setPosition(risk.Position{
			Symbol:        ev.Symbol,
			Size:          ev.Size,
			AvgPrice:      ev.AvgPrice,
			UnrealizedPnL: ev.UnrealizedPnL,
			UpdatedAt:     ev.Time,
		})
	case risk.TradeExecuted:
		price := ev.Price
		if price == 0 {
			price = ev.AvgPrice
		}
		a.setPosition(before.Apply(ev.Size, price, ev.Time))
		if ev.OrderID != "" {
			delete(a.orders, ev.OrderID)
		}
		a.trades = append(a.trades, ev.Time)
		a.prune(ev.Time.Add(-t.retain))
	case risk.OrderUpdate:
		if ev.OrderStatus == risk.OrderWorking {
			a.orders[ev.OrderID] = ev
		} else {
			delete(a.orders, ev.OrderID)
		}
	}
	a.mu.Unlock()

	if ev.Type == risk.TradeExecuted && ev.RealizedPnL != 0 {
		if _, err := t.pnl.Add(ctx, ev.Account, ev.RealizedPnL); err != nil {
			st, _ := t.Snapshot(ctx, ev.Account)
			return before, st, err
		}
	}
	st, err := t.Snapshot(ctx, ev.Account)
	return before, st, err
}

func (a *account) setPosition(p risk.Position) {
	if p.Flat() {
		delete(a.positions, p.Symbol)
		return
	}
	a.positions[p.Symbol] = p
}

func (a *account) prune(cutoff time.Time) {
	i := sort.Search(len(a.trades), func(i int) bool { return !a.trades[i].Before(cutoff) })
	if i > 0 {
		a.trades = append(a.trades[:0], a.trades[i:]...)
	}
}

// Snapshot returns the account's current state. Counters that can't be
// read are left at zero alongside the error.
func (t *Tracker) Snapshot(ctx context.Context, id string) (risk.AccountState, error) {
	a := t.get(id)
	a.mu.Lock()
	st := risk.AccountState{
		Account:       id,
		Positions:     make(map[string]risk.Position, len(a.positions)),
		WorkingOrders: len(a.orders),
		Trades:        append([]time.Time(nil), a.trades...),
	}
	for k, p := range a.positions {
		st.Positions[k] = p
	}
	a.mu.Unlock()

	totals, err := t.pnl.Get(ctx, id)
	st.DailyRealized = totals.Daily
	st.WeeklyRealized = totals.Weekly
	return st, err
}

// OpenSymbols lists symbols with a non-flat position.
func (t *Tracker) OpenSymbols(id string) []string {
	a := t.get(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.positions))
	for s := range a.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ResetPnL zeroes the account's counters for period. It satisfies
// reset.PnLResetter.
func (t *Tracker) ResetPnL(ctx context.Context, id string, period reset.Period) error {
	return t.pnl.Reset(ctx, id, period)
}
