// Package risk holds the rule set the enforcement coordinator runs. Rules
// are pure: they look at an event and the account state it produced and
// either return a Violation or nil. They never perform I/O.
package risk

import (
	"fmt"
	"strings"
	"time"
)

type Action int

const (
	// ClosePosition closes only the offending symbol. No lockout.
	ClosePosition Action = iota + 1
	// CloseAllAndLock flattens the account and sets a Hard lockout.
	CloseAllAndLock
	// CooldownAndCancel cancels working orders and sets a Cooldown lockout.
	CooldownAndCancel
	Alert
)

var actionNames = map[Action]string{
	ClosePosition:     "close_position",
	CloseAllAndLock:   "close_all_and_lock",
	CooldownAndCancel: "cooldown_and_cancel",
	Alert:             "alert",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "critical", "":
		return Critical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

type LockMode int

const (
	NoLock LockMode = iota
	// UntilReset expires at the account's next scheduled reset.
	UntilReset
	UntilTime
	ForDuration
	Indefinite
)

// LockTerm says how long the lockout a violation requests should last.
type LockTerm struct {
	Mode     LockMode
	Until    time.Time
	Duration time.Duration
}

func (t LockTerm) String() string {
	switch t.Mode {
	case NoLock:
		return "none"
	case UntilReset:
		return "until next reset"
	case UntilTime:
		return "until " + t.Until.Format(time.RFC3339)
	case ForDuration:
		return "for " + t.Duration.String()
	case Indefinite:
		return "indefinite"
	}
	return fmt.Sprintf("lock(%d)", int(t.Mode))
}

type Violation struct {
	RuleID   string
	Account  string
	Symbol   string
	Severity Severity
	Action   Action
	Lock     LockTerm
	Message  string
}

type Rule interface {
	ID() string
	Evaluate(ev Event, st AccountState) (*Violation, error)
}

// base carries what every rule shares: its identity and what to do when
// it trips.
type base struct {
	id       string
	action   Action
	lock     LockTerm
	severity Severity
}

func (b base) ID() string { return b.id }

func (b base) violate(ev Event, symbol, format string, args ...any) *Violation {
	return &Violation{
		RuleID:   b.id,
		Account:  ev.Account,
		Symbol:   symbol,
		Severity: b.severity,
		Action:   b.action,
		Lock:     b.lock,
		Message:  fmt.Sprintf(format, args...),
	}
}
