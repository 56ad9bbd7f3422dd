package fault

import (
	"context"
	"time"
)

// Backoff bounds a retry loop. Delays double from Initial up to Max.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is three attempts starting at 100ms.
var DefaultBackoff = Backoff{Attempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted or ctx is done. It returns the last error and the
// number of attempts made.
func Retry(ctx context.Context, b Backoff, fn func(attempt int) error) (int, error) {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !IsTransient(err) || attempt == b.Attempts {
			return attempt, err
		}
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
	}
	return b.Attempts, err
}
