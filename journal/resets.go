package journal

import (
	"context"
	"time"

	"github.com/rustyeddy/riskguard/reset"
)

type resetRow struct {
	AccountID string    `db:"account_id"`
	PeriodKey string    `db:"period_key"`
	FiredAt   time.Time `db:"fired_at"`
}

// InsertResetRecord writes r unless the (account, period) row exists. The
// primary key makes this the exactly-once gate for resets, across
// processes sharing the database.
func (s *Store) InsertResetRecord(ctx context.Context, r reset.Record) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO reset_records (account_id, period_key, fired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id, period_key) DO NOTHING`),
		r.AccountID, r.PeriodKey, r.FiredAt.UTC())
	if err != nil {
		return false, s.classify("insert reset record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify("insert reset record", err)
	}
	return n == 1, nil
}

// ListResetRecords returns records newest first. An empty account lists
// every account; limit <= 0 means no limit.
func (s *Store) ListResetRecords(ctx context.Context, account string, limit int) ([]reset.Record, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `SELECT account_id, period_key, fired_at FROM reset_records`
	var args []any
	if account != "" {
		query += ` WHERE account_id = ?`
		args = append(args, account)
	}
	query += ` ORDER BY fired_at DESC, period_key DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []resetRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, s.classify("list reset records", err)
	}
	out := make([]reset.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, reset.Record{AccountID: r.AccountID, PeriodKey: r.PeriodKey, FiredAt: r.FiredAt})
	}
	return out, nil
}
