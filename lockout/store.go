package lockout

import (
	"context"
	"time"

	"github.com/rustyeddy/riskguard/timer"
)

// Store persists lockout rows keyed by (account, symbol). The manager is
// the only writer.
type Store interface {
	UpsertLockout(ctx context.Context, l Lockout) error
	DeleteLockout(ctx context.Context, k Key) error
	ListLockouts(ctx context.Context) ([]Lockout, error)
}

// Timers is the subset of timer.Manager the lockout manager uses.
type Timers interface {
	StartTimer(id string, deadline time.Time, cb timer.Callback) error
	CancelTimer(id string) bool
	RemainingTime(id string) (time.Duration, bool)
}

// TimerID names the countdown registered for a cooldown lockout.
func TimerID(l Lockout) string { return "lockout:" + l.ID }
