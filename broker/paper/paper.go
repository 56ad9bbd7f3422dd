// Package paper is an in-process Executor for dry runs and replay. It
// tracks positions and orders from the same events the daemon sees and
// flattens them on command, emitting the resulting events back to a
// listener.
package paper

import (
	"context"
	"sort"
	"sync"

	"github.com/rustyeddy/riskguard/broker"
	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/risk"
)

type book struct {
	positions map[string]risk.Position
	orders    map[string]risk.Event
}

type Executor struct {
	mu       sync.Mutex
	clock    clock.Clock
	books    map[string]*book
	log      []broker.Command
	failures []error
	listener func(risk.Event)
}

func New(c clock.Clock) *Executor {
	return &Executor{clock: c, books: make(map[string]*book)}
}

// SetListener registers fn to receive the events a close or cancel
// produces. fn runs after the executor's lock is released.
func (x *Executor) SetListener(fn func(risk.Event)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listener = fn
}

// FailNext makes the next len(errs) commands return errs in order.
func (x *Executor) FailNext(errs ...error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.failures = append(x.failures, errs...)
}

func (x *Executor) book(account string) *book {
	b, ok := x.books[account]
	if !ok {
		b = &book{positions: make(map[string]risk.Position), orders: make(map[string]risk.Event)}
		x.books[account] = b
	}
	return b
}

// Observe mirrors a feed event into the paper book.
func (x *Executor) Observe(ev risk.Event) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := x.book(ev.Account)
	switch ev.Type {
	case risk.PositionUpdate:
		if ev.Size == 0 {
			delete(b.positions, ev.Symbol)
			return
		}
		b.positions[ev.Symbol] = risk.Position{Symbol: ev.Symbol, Size: ev.Size, AvgPrice: ev.AvgPrice, UnrealizedPnL: ev.UnrealizedPnL}
	case risk.TradeExecuted:
		p := b.positions[ev.Symbol].Apply(ev.Size, ev.Price, ev.Time)
		p.Symbol = ev.Symbol
		if p.Flat() {
			delete(b.positions, ev.Symbol)
		} else {
			b.positions[ev.Symbol] = p
		}
		delete(b.orders, ev.OrderID)
	case risk.OrderUpdate:
		if ev.OrderStatus == risk.OrderWorking {
			b.orders[ev.OrderID] = ev
		} else {
			delete(b.orders, ev.OrderID)
		}
	}
}

// begin records the command and pops an injected failure, if any.
func (x *Executor) begin(op broker.Op, account, symbol string) error {
	x.log = append(x.log, broker.Command{Op: op, Account: account, Symbol: symbol, Time: x.clock.Now()})
	if len(x.failures) == 0 {
		return nil
	}
	err := x.failures[0]
	x.failures = x.failures[1:]
	return err
}

func (x *Executor) ClosePosition(ctx context.Context, account, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	if err := x.begin(broker.OpClosePosition, account, symbol); err != nil {
		x.mu.Unlock()
		return err
	}
	evs := x.flattenLocked(account, symbol)
	listener := x.listener
	x.mu.Unlock()

	emit(listener, evs)
	return nil
}

func (x *Executor) CloseAll(ctx context.Context, account string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	if err := x.begin(broker.OpCloseAll, account, ""); err != nil {
		x.mu.Unlock()
		return err
	}
	evs := x.cancelLocked(account)
	b := x.book(account)
	symbols := make([]string, 0, len(b.positions))
	for s := range b.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		evs = append(evs, x.flattenLocked(account, s)...)
	}
	listener := x.listener
	x.mu.Unlock()

	emit(listener, evs)
	return nil
}

func (x *Executor) CancelAllOrders(ctx context.Context, account string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	if err := x.begin(broker.OpCancelAll, account, ""); err != nil {
		x.mu.Unlock()
		return err
	}
	evs := x.cancelLocked(account)
	listener := x.listener
	x.mu.Unlock()

	emit(listener, evs)
	return nil
}

func (x *Executor) flattenLocked(account, symbol string) []risk.Event {
	b := x.book(account)
	p, ok := b.positions[symbol]
	if !ok {
		return nil
	}
	delete(b.positions, symbol)
	now := x.clock.Now()
	return []risk.Event{
		{Type: risk.TradeExecuted, Account: account, Symbol: symbol, Size: -p.Size, Price: p.AvgPrice, RealizedPnL: p.UnrealizedPnL, Time: now},
		{Type: risk.PositionUpdate, Account: account, Symbol: symbol, Time: now},
	}
}

func (x *Executor) cancelLocked(account string) []risk.Event {
	b := x.book(account)
	ids := make([]string, 0, len(b.orders))
	for id := range b.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := x.clock.Now()
	evs := make([]risk.Event, 0, len(ids))
	for _, id := range ids {
		o := b.orders[id]
		delete(b.orders, id)
		evs = append(evs, risk.Event{Type: risk.OrderUpdate, Account: account, Symbol: o.Symbol, Size: o.Size, OrderID: id, OrderStatus: risk.OrderCancelled, Time: now})
	}
	return evs
}

func emit(fn func(risk.Event), evs []risk.Event) {
	if fn == nil {
		return
	}
	for _, ev := range evs {
		fn(ev)
	}
}

// Commands returns every command issued so far, oldest first.
func (x *Executor) Commands() []broker.Command {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]broker.Command(nil), x.log...)
}

// Positions returns the account's open paper positions by symbol.
func (x *Executor) Positions(account string) map[string]risk.Position {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]risk.Position)
	for k, v := range x.book(account).positions {
		out[k] = v
	}
	return out
}

// WorkingOrders counts the account's open paper orders.
func (x *Executor) WorkingOrders(account string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.book(account).orders)
}
