package journal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/lockout"
	"github.com/rustyeddy/riskguard/reset"
)

func newTestSQLite(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSchemaCreated(t *testing.T) {
	t.Parallel()
	s, _ := newTestSQLite(t)

	var names []string
	require.NoError(t, s.db.Select(&names, `SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`))
	assert.Equal(t, []string{"enforcement_actions", "lockouts", "reset_records"}, names)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open("mysql", "x", 0)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Configuration))
}

func TestLockoutRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := newTestSQLite(t)

	created := time.Date(2026, 3, 3, 15, 4, 5, 0, time.UTC)
	hard := lockout.Lockout{
		ID: "01HXHARD", Key: lockout.AccountKey("ACC1"), Reason: "daily loss", Kind: lockout.Hard,
		CreatedAt: created, ExpiresAt: created.Add(2 * time.Hour), SourceRuleID: "dl", DayScoped: true,
	}
	cool := lockout.Lockout{
		ID: "01HXCOOL", Key: lockout.SymbolKey("ACC1", "ES"), Reason: "overtrading", Kind: lockout.Cooldown,
		CreatedAt: created, ExpiresAt: created.Add(15 * time.Minute), SourceRuleID: "freq",
	}
	forever := lockout.Lockout{
		ID: "01HXNEVR", Key: lockout.AccountKey("ACC2"), Reason: "weekly loss", Kind: lockout.Hard,
		CreatedAt: created, SourceRuleID: "wl",
	}
	for _, l := range []lockout.Lockout{hard, cool, forever} {
		require.NoError(t, s.UpsertLockout(ctx, l))
	}
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.ListLockouts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, hard.Key, got[0].Key)
	assert.Equal(t, lockout.Hard, got[0].Kind)
	assert.True(t, got[0].DayScoped)
	assert.True(t, got[0].ExpiresAt.Equal(hard.ExpiresAt))
	assert.True(t, got[0].CreatedAt.Equal(created))

	assert.Equal(t, cool.Key, got[1].Key)
	assert.Equal(t, lockout.Cooldown, got[1].Kind)

	assert.Equal(t, "ACC2", got[2].Key.Account)
	assert.True(t, got[2].Indefinite())
}

func TestUpsertReplacesAndDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	now := time.Now().UTC()

	k := lockout.SymbolKey("ACC1", "NQ")
	require.NoError(t, s.UpsertLockout(ctx, lockout.Lockout{ID: "a", Key: k, Reason: "first", Kind: lockout.Cooldown, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.UpsertLockout(ctx, lockout.Lockout{ID: "b", Key: k, Reason: "second", Kind: lockout.Hard, CreatedAt: now}))

	got, err := s.ListLockouts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "second", got[0].Reason)
	assert.True(t, got[0].Indefinite())

	require.NoError(t, s.DeleteLockout(ctx, k))
	require.NoError(t, s.DeleteLockout(ctx, k))
	got, err = s.ListLockouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResetRecordUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	fired := time.Date(2026, 3, 3, 22, 0, 5, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertResetRecord(ctx, reset.Record{AccountID: "ACC1", PeriodKey: "2026-03-03", FiredAt: fired})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	ok, err := s.InsertResetRecord(ctx, reset.Record{AccountID: "ACC1", PeriodKey: "2026-03-04", FiredAt: fired.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertResetRecord(ctx, reset.Record{AccountID: "ACC2", PeriodKey: "2026-03-03", FiredAt: fired})
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := s.ListResetRecords(ctx, "ACC1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2026-03-04", recs[0].PeriodKey)

	recs, err = s.ListResetRecords(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	t0 := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)

	a := ActionRecord{
		ID: "act-1", AccountID: "ACC1", RuleID: "dl", Action: "close_all",
		Status: ActionPending, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.RecordAction(ctx, a))
	require.NoError(t, s.RecordAction(ctx, ActionRecord{
		ID: "act-2", AccountID: "ACC2", Symbol: "ES", RuleID: "ms", Action: "close_position",
		Status: ActionDone, Attempts: 1, CreatedAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute),
	}))

	a.Status = ActionFailed
	a.Attempts = 3
	a.Message = "broker unavailable"
	a.UpdatedAt = t0.Add(5 * time.Second)
	require.NoError(t, s.RecordAction(ctx, a))

	got, err := s.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "broker unavailable", got.Message)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = s.GetAction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListActions(ctx, ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "act-2", all[0].ID)

	failed, err := s.ListActions(ctx, ActionFilter{Status: ActionFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "act-1", failed[0].ID)

	acc2, err := s.ListActions(ctx, ActionFilter{AccountID: "ACC2", Limit: 5})
	require.NoError(t, err)
	require.Len(t, acc2, 1)
	assert.Equal(t, "ES", acc2[0].Symbol)

	var buf bytes.Buffer
	require.NoError(t, WriteActionsCSV(&buf, all))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, actionHeader, rows[0])
	assert.Equal(t, "act-2", rows[1][0])
}

func TestStoreSatisfiesManagerSeams(t *testing.T) {
	var _ lockout.Store = (*Store)(nil)
	var _ reset.RecordStore = (*Store)(nil)
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pg connection", &pq.Error{Code: "08006"}, true},
		{"pg serialization", &pq.Error{Code: "40001"}, true},
		{"pg deadlock", &pq.Error{Code: "40P01"}, true},
		{"pg unique", &pq.Error{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("syntax"), false},
	}
	s := &Store{}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := s.classify("op", tt.err)
			assert.Equal(t, tt.want, fault.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
