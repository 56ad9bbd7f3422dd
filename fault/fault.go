// Package fault classifies errors raised by the risk core so callers can
// decide between retrying, rejecting and failing fast.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// TransientIO covers storage and executor calls that may succeed on retry.
	TransientIO Kind = iota + 1
	// Configuration errors are fatal at load time.
	Configuration
	// Logic errors are invariant violations; the operation is rejected.
	Logic
	// RuleEvaluation errors are isolated to a single rule for a single event.
	RuleEvaluation
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient-io"
	case Configuration:
		return "configuration"
	case Logic:
		return "logic"
	case RuleEvaluation:
		return "rule-evaluation"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

func Transient(op string, err error) error { return wrap(TransientIO, op, err) }
func Config(op string, err error) error { return wrap(Configuration, op, err) }
func Invariant(op string, err error) error { return wrap(Logic, op, err) }
func RuleEval(op string, err error) error { return wrap(RuleEvaluation, op, err) }

// Configf builds a configuration error from a format string.
func Configf(format string, args ...any) error {
	return &Error{Kind: Configuration, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether any error in err's chain is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var fe *Error
	for err != nil {
		if errors.As(err, &fe) {
			if fe.Kind == k {
				return true
			}
			err = fe.Err
			continue
		}
		return false
	}
	return false
}

func IsTransient(err error) bool { return IsKind(err, TransientIO) }
