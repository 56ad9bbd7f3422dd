// Package broker defines the enforcement side of the broker connection:
// the commands the risk daemon sends when a rule trips.
package broker

import (
	"context"
	"fmt"
	"time"
)

// Executor carries out enforcement against the broker. Implementations
// must be safe for concurrent use and should treat repeated commands as
// harmless: closing a flat position or cancelling with no working orders
// succeeds.
type Executor interface {
	ClosePosition(ctx context.Context, account, symbol string) error
	CloseAll(ctx context.Context, account string) error
	CancelAllOrders(ctx context.Context, account string) error
}

type Op int

const (
	OpClosePosition Op = iota + 1
	OpCloseAll
	OpCancelAll
)

func (o Op) String() string {
	switch o {
	case OpClosePosition:
		return "close_position"
	case OpCloseAll:
		return "close_all"
	case OpCancelAll:
		return "cancel_all_orders"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Command is one executor call, as recorded by executors that keep a log.
type Command struct {
	Op      Op
	Account string
	Symbol  string
	Time    time.Time
}

// Do issues c against x.
func Do(ctx context.Context, x Executor, c Command) error {
	switch c.Op {
	case OpClosePosition:
		return x.ClosePosition(ctx, c.Account, c.Symbol)
	case OpCloseAll:
		return x.CloseAll(ctx, c.Account)
	case OpCancelAll:
		return x.CancelAllOrders(ctx, c.Account)
	}
	return fmt.Errorf("broker: unknown op %v", c.Op)
}
