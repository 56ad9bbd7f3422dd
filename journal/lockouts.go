package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rustyeddy/riskguard/lockout"
)

type lockoutRow struct {
	AccountID    string       `db:"account_id"`
	Symbol       string       `db:"symbol"`
	ID           string       `db:"id"`
	Reason       string       `db:"reason"`
	Kind         string       `db:"kind"`
	CreatedAt    time.Time    `db:"created_at"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	SourceRuleID string       `db:"source_rule_id"`
	DayScoped    bool         `db:"day_scoped"`
}

func toRow(l lockout.Lockout) lockoutRow {
	r := lockoutRow{
		AccountID:    l.Key.Account,
		Symbol:       l.Key.Symbol,
		ID:           l.ID,
		Reason:       l.Reason,
		Kind:         l.Kind.String(),
		CreatedAt:    l.CreatedAt.UTC(),
		SourceRuleID: l.SourceRuleID,
		DayScoped:    l.DayScoped,
	}
	if !l.Indefinite() {
		r.ExpiresAt = sql.NullTime{Time: l.ExpiresAt.UTC(), Valid: true}
	}
	return r
}

func (r lockoutRow) lockout() (lockout.Lockout, error) {
	kind, err := lockout.ParseKind(r.Kind)
	if err != nil {
		return lockout.Lockout{}, fmt.Errorf("lockout %s: %w", r.ID, err)
	}
	l := lockout.Lockout{
		ID:           r.ID,
		Key:          lockout.Key{Account: r.AccountID, Symbol: r.Symbol},
		Reason:       r.Reason,
		Kind:         kind,
		CreatedAt:    r.CreatedAt,
		SourceRuleID: r.SourceRuleID,
		DayScoped:    r.DayScoped,
	}
	if r.ExpiresAt.Valid {
		l.ExpiresAt = r.ExpiresAt.Time
	}
	return l, nil
}

const upsertLockout = `
	INSERT INTO lockouts
	(account_id, symbol, id, reason, kind, created_at, expires_at, source_rule_id, day_scoped)
	VALUES (:account_id, :symbol, :id, :reason, :kind, :created_at, :expires_at, :source_rule_id, :day_scoped)
	ON CONFLICT (account_id, symbol) DO UPDATE SET
		id = excluded.id,
		reason = excluded.reason,
		kind = excluded.kind,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		source_rule_id = excluded.source_rule_id,
		day_scoped = excluded.day_scoped`

// UpsertLockout writes the active lockout for its key.
func (s *Store) UpsertLockout(ctx context.Context, l lockout.Lockout) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, upsertLockout, toRow(l))
	return s.classify("upsert lockout", err)
}

// DeleteLockout removes the row for k. Deleting a missing row is not an
// error.
func (s *Store) DeleteLockout(ctx context.Context, k lockout.Key) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM lockouts WHERE account_id = ? AND symbol = ?`), k.Account, k.Symbol)
	return s.classify("delete lockout", err)
}

// ListLockouts returns every stored lockout ordered by account and symbol.
func (s *Store) ListLockouts(ctx context.Context) ([]lockout.Lockout, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var rows []lockoutRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT account_id, symbol, id, reason, kind, created_at, expires_at, source_rule_id, day_scoped
		FROM lockouts
		ORDER BY account_id ASC, symbol ASC`)
	if err != nil {
		return nil, s.classify("list lockouts", err)
	}
	out := make([]lockout.Lockout, 0, len(rows))
	for _, r := range rows {
		l, err := r.lockout()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
