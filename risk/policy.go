package risk

import (
	"fmt"
	"strings"
	"time"
)

type EventType int

const (
	PositionUpdate EventType = iota + 1
	OrderUpdate
	TradeExecuted
)

func (t EventType) String() string {
	switch t {
	case PositionUpdate:
		return "position"
	case OrderUpdate:
		return "order"
	case TradeExecuted:
		return "trade"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

func ParseEventType(s string) (EventType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "position", "position_update":
		return PositionUpdate, nil
	case "order", "order_update":
		return OrderUpdate, nil
	case "trade", "trade_executed", "fill":
		return TradeExecuted, nil
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

type OrderStatus string

const (
	OrderWorking   OrderStatus = "working"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Event is a normalized update from the broker feed.
//
// For PositionUpdate, Size is the signed position size after the update and
// UnrealizedPnL the open P&L of that position. For TradeExecuted, Size is
// the signed fill quantity and RealizedPnL the P&L the fill closed out. For
// OrderUpdate, Size is the order quantity.
type Event struct {
	Type          EventType
	Account       string
	Symbol        string
	Size          float64
	AvgPrice      float64
	Price         float64
	RealizedPnL   float64
	UnrealizedPnL float64
	OrderID       string
	OrderStatus   OrderStatus
	Time          time.Time
}

// AccountState is the view of an account a rule evaluates against. It
// reflects the event being evaluated.
type AccountState struct {
	Account        string
	Positions      map[string]Position
	WorkingOrders  int
	DailyRealized  float64
	WeeklyRealized float64

	// Fill times, oldest first.
	Trades []time.Time
}

// Unrealized sums open P&L across positions.
func (s AccountState) Unrealized() float64 {
	var u float64
	for _, p := range s.Positions {
		u += p.UnrealizedPnL
	}
	return u
}

func (s AccountState) DailyPnL() float64 { return s.DailyRealized + s.Unrealized() }

func (s AccountState) WeeklyPnL() float64 { return s.WeeklyRealized + s.Unrealized() }

func (s AccountState) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok && !p.Flat()
}

// TradesSince counts fills at or after t.
func (s AccountState) TradesSince(t time.Time) int {
	n := 0
	for i := len(s.Trades) - 1; i >= 0; i-- {
		if s.Trades[i].Before(t) {
			break
		}
		n++
	}
	return n
}
