package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const upsertAction = `
	INSERT INTO enforcement_actions
	(id, account_id, symbol, rule_id, action, status, attempts, message, created_at, updated_at)
	VALUES (:id, :account_id, :symbol, :rule_id, :action, :status, :attempts, :message, :created_at, :updated_at)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		message = excluded.message,
		updated_at = excluded.updated_at`

// RecordAction inserts a or updates its status, attempts and message.
func (s *Store) RecordAction(ctx context.Context, a ActionRecord) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	_, err := s.db.NamedExecContext(ctx, upsertAction, a)
	return s.classify("record action", err)
}

// GetAction returns a single action by ID.
func (s *Store) GetAction(ctx context.Context, id string) (ActionRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var a ActionRecord
	err := s.db.GetContext(ctx, &a, s.q(`
		SELECT id, account_id, symbol, rule_id, action, status, attempts, message, created_at, updated_at
		FROM enforcement_actions
		WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ActionRecord{}, fmt.Errorf("action %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ActionRecord{}, s.classify("get action", err)
	}
	return a, nil
}

// ListActions returns actions newest first.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]ActionRecord, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `
		SELECT id, account_id, symbol, rule_id, action, status, attempts, message, created_at, updated_at
		FROM enforcement_actions
		WHERE 1 = 1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []ActionRecord
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, s.classify("list actions", err)
	}
	return out, nil
}
