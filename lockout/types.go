package lockout

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownKind = errors.New("unknown lockout kind")
	ErrInvalidKey  = errors.New("invalid lockout key")
)

type Kind int

const (
	Cooldown Kind = iota + 1
	Hard
)

func (k Kind) String() string {
	switch k {
	case Cooldown:
		return "cooldown"
	case Hard:
		return "hard"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Valid() bool { return k == Cooldown || k == Hard }

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cooldown":
		return Cooldown, nil
	case "hard":
		return Hard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Key scopes a lockout to an account, or to one symbol within it when
// Symbol is non-empty.
type Key struct {
	Account string
	Symbol  string
}

func AccountKey(account string) Key { return Key{Account: account} }

func SymbolKey(account, symbol string) Key { return Key{Account: account, Symbol: symbol} }

func (k Key) AccountWide() bool { return k.Symbol == "" }

func (k Key) String() string {
	if k.Symbol == "" {
		return k.Account
	}
	return k.Account + "/" + k.Symbol
}

func (k Key) validate() error {
	if strings.TrimSpace(k.Account) == "" {
		return fmt.Errorf("%w: empty account", ErrInvalidKey)
	}
	return nil
}

// Lockout is an active trading block. A zero ExpiresAt means it never
// expires on its own.
type Lockout struct {
	ID           string
	Key          Key
	Reason       string
	Kind         Kind
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SourceRuleID string

	// DayScoped lockouts are cleared by the daily reset.
	DayScoped bool
}

func (l Lockout) Indefinite() bool { return l.ExpiresAt.IsZero() }

func (l Lockout) Expired(now time.Time) bool {
	return !l.Indefinite() && !now.Before(l.ExpiresAt)
}

// Remaining returns the time left, or false for an indefinite lockout.
func (l Lockout) Remaining(now time.Time) (time.Duration, bool) {
	if l.Indefinite() {
		return 0, false
	}
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Outranks applies the merge policy: Hard beats Cooldown, and within a kind
// the later expiry wins, with indefinite latest of all. Ties keep the
// existing lockout, so Outranks is false for equal terms.
func (l Lockout) Outranks(existing Lockout) (bool, error) {
	if !l.Kind.Valid() {
		return false, fmt.Errorf("%w: %v", ErrUnknownKind, l.Kind)
	}
	if !existing.Kind.Valid() {
		return false, fmt.Errorf("%w: %v", ErrUnknownKind, existing.Kind)
	}
	if l.Kind != existing.Kind {
		return l.Kind > existing.Kind, nil
	}
	switch {
	case existing.Indefinite():
		return false, nil
	case l.Indefinite():
		return true, nil
	default:
		return l.ExpiresAt.After(existing.ExpiresAt), nil
	}
}

// Request describes a lockout to set. Exactly one of Until, Duration or
// Indefinite selects the expiry.
type Request struct {
	Key          Key
	Reason       string
	Kind         Kind
	Until        time.Time
	Duration     time.Duration
	Indefinite   bool
	SourceRuleID string
	DayScoped    bool
}

func (r Request) expiry(now time.Time) (time.Time, error) {
	n := 0
	if !r.Until.IsZero() {
		n++
	}
	if r.Duration != 0 {
		n++
	}
	if r.Indefinite {
		n++
	}
	if n != 1 {
		return time.Time{}, fmt.Errorf("lockout %s: exactly one of until, duration or indefinite is required", r.Key)
	}
	switch {
	case r.Indefinite:
		return time.Time{}, nil
	case r.Duration < 0:
		return time.Time{}, fmt.Errorf("lockout %s: negative duration %s", r.Key, r.Duration)
	case r.Duration > 0:
		return now.Add(r.Duration), nil
	default:
		return r.Until, nil
	}
}

// Cause says why a lockout stopped being active.
type Cause string

const (
	CauseExpired Cause = "expired"
	CauseReset   Cause = "reset"
	CauseAdmin   Cause = "admin"
)

// Info is the read-only view handed to presentation layers.
type Info struct {
	Lockout
	Remaining   time.Duration
	Indefinite  bool
	Unpersisted bool
}

// Listener observes lockout transitions. Calls happen outside the manager's
// locks and must not block for long.
type Listener interface {
	LockoutSet(l Lockout)
	LockoutCleared(l Lockout, cause Cause)
}
