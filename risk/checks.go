package risk

import (
	"sort"
	"time"
)

// DailyLoss trips once the day's realized plus open P&L reaches -Limit.
type DailyLoss struct {
	base
	Limit float64
}

func (r *DailyLoss) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if pnl := st.DailyPnL(); pnl <= -r.Limit {
		return r.violate(ev, "", "daily P&L %.2f <= limit -%.2f", pnl, r.Limit), nil
	}
	return nil, nil
}

type WeeklyLoss struct {
	base
	Limit float64
}

func (r *WeeklyLoss) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if pnl := st.WeeklyPnL(); pnl <= -r.Limit {
		return r.violate(ev, "", "weekly P&L %.2f <= limit -%.2f", pnl, r.Limit), nil
	}
	return nil, nil
}

// DailyProfitTarget stops trading for the day once the target is banked.
type DailyProfitTarget struct {
	base
	Limit float64
}

func (r *DailyProfitTarget) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if pnl := st.DailyPnL(); pnl >= r.Limit {
		return r.violate(ev, "", "daily P&L %.2f reached target %.2f", pnl, r.Limit), nil
	}
	return nil, nil
}

// MaxPositionSize caps the absolute size held on any one symbol.
type MaxPositionSize struct {
	base
	Limit float64
}

func (r *MaxPositionSize) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if ev.Type == OrderUpdate {
		return nil, nil
	}
	p, ok := st.Position(ev.Symbol)
	if !ok {
		return nil, nil
	}
	if abs(p.Size) > r.Limit {
		return r.violate(ev, ev.Symbol, "%s size %.2f exceeds max %.2f", ev.Symbol, abs(p.Size), r.Limit), nil
	}
	return nil, nil
}

// UnrealizedLoss is the per-trade stop: it trips on a single position's
// open loss.
type UnrealizedLoss struct {
	base
	Limit float64
}

func (r *UnrealizedLoss) Evaluate(ev Event, st AccountState) (*Violation, error) {
	p, ok := st.Position(ev.Symbol)
	if !ok {
		return nil, nil
	}
	if p.UnrealizedPnL <= -r.Limit {
		return r.violate(ev, ev.Symbol, "%s unrealized %.2f <= limit -%.2f", ev.Symbol, p.UnrealizedPnL, r.Limit), nil
	}
	return nil, nil
}

// TradeFrequency trips when more than MaxTrades fills land inside Window.
type TradeFrequency struct {
	base
	MaxTrades int
	Window    time.Duration
}

func (r *TradeFrequency) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if ev.Type != TradeExecuted {
		return nil, nil
	}
	if n := st.TradesSince(ev.Time.Add(-r.Window)); n > r.MaxTrades {
		return r.violate(ev, "", "%d trades in %s exceeds max %d", n, r.Window, r.MaxTrades), nil
	}
	return nil, nil
}

// SymbolBlock forbids holding the listed symbols at all.
type SymbolBlock struct {
	base
	Symbols map[string]bool
}

func (r *SymbolBlock) Evaluate(ev Event, st AccountState) (*Violation, error) {
	if !r.Symbols[ev.Symbol] {
		return nil, nil
	}
	if _, ok := st.Position(ev.Symbol); !ok {
		return nil, nil
	}
	return r.violate(ev, ev.Symbol, "%s is blocked", ev.Symbol), nil
}

func (r *SymbolBlock) List() []string {
	out := make([]string, 0, len(r.Symbols))
	for s := range r.Symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
