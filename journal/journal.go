// Package journal is the durable store behind the risk daemon: lockout
// rows, reset records and the enforcement action log. SQLite is the
// default; Postgres is supported for shared deployments.
package journal

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal: not found")

type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionDone    ActionStatus = "done"
	ActionFailed  ActionStatus = "failed"
)

// ActionRecord is one enforcement job and its outcome.
type ActionRecord struct {
	ID        string       `db:"id"`
	AccountID string       `db:"account_id"`
	Symbol    string       `db:"symbol"`
	RuleID    string       `db:"rule_id"`
	Action    string       `db:"action"`
	Status    ActionStatus `db:"status"`
	Attempts  int          `db:"attempts"`
	Message   string       `db:"message"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

type ActionFilter struct {
	AccountID string
	Status    ActionStatus
	Limit     int
}
