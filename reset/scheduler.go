// Package reset fires per-account daily resets at a configured local time
// of day. A reset fires at most once per period: the period's record is
// written first, under a storage uniqueness constraint, and only the caller
// that inserted it runs the side effects.
package reset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/lockout"
)

var ErrUnknownAccount = errors.New("no reset scheduled for account")

type Period int

const (
	Daily Period = iota + 1
	Weekly
)

func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return fmt.Sprintf("period(%d)", int(p))
	}
}

// PnLResetter zeroes an account's P&L counters for a period.
type PnLResetter interface {
	ResetPnL(ctx context.Context, account string, period Period) error
}

// LockoutClearer is the part of the lockout manager the scheduler drives.
type LockoutClearer interface {
	ClearDayScoped(ctx context.Context, account string, boundary time.Time) []lockout.Lockout
}

// Completion describes a reset that fired. PendingPnL lists the period
// keys whose P&L reset failed and is retried on every check.
type Completion struct {
	Account         string
	PeriodKey       string
	ScheduledAt     time.Time
	FiredAt         time.Time
	TradingDay      bool
	PnLReset        bool
	WeeklyReset     bool
	ClearedLockouts []lockout.Lockout
	PendingPnL      []string
}

type Listener interface {
	DailyResetCompleted(c Completion)
}

type schedule struct {
	mu       sync.Mutex
	account  string
	hour     int
	minute   int
	loc      *time.Location
	calendar Calendar
	weekly   bool
	weekday  time.Weekday

	lastKey  string
	lastDone *Completion
	pending  []pendingPnL
}

// pendingPnL is a P&L reset owed for a period. recorded is false when the
// period's record could not be written yet.
type pendingPnL struct {
	period   Period
	key      string
	recorded bool
}

func (s *schedule) pendingKeys() []string {
	if len(s.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.pending))
	for _, p := range s.pending {
		keys = append(keys, p.key)
	}
	return keys
}

// owe queues a P&L reset, replacing any older one for the same period.
func (s *schedule) owe(p pendingPnL) {
	s.supersede(p.period)
	s.pending = append(s.pending, p)
}

// supersede drops owed resets for period: a newer reset zeroes the same
// counters.
func (s *schedule) supersede(period Period) {
	kept := s.pending[:0]
	for _, q := range s.pending {
		if q.period != period {
			kept = append(kept, q)
		}
	}
	s.pending = kept
}

func (s *schedule) at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, s.hour, s.minute, 0, 0, s.loc)
}

// today returns the scheduled instant on now's local date.
func (s *schedule) today(now time.Time) time.Time {
	y, m, d := now.In(s.loc).Date()
	return s.at(y, m, d)
}

// latest returns the most recent scheduled instant at or before now.
func (s *schedule) latest(now time.Time) time.Time {
	t := s.today(now)
	if now.Before(t) {
		y, m, d := now.In(s.loc).Date()
		t = s.at(y, m, d-1)
	}
	return t
}

func (s *schedule) next(now time.Time) time.Time {
	t := s.today(now)
	if now.Before(t) {
		return t
	}
	y, m, d := now.In(s.loc).Date()
	return s.at(y, m, d+1)
}

type ScheduleOption func(*schedule)

func WithCalendar(c Calendar) ScheduleOption {
	return func(s *schedule) { s.calendar = c }
}

// WithWeeklyReset also zeroes the weekly counters at the daily reset time
// on weekday.
func WithWeeklyReset(weekday time.Weekday) ScheduleOption {
	return func(s *schedule) {
		s.weekly = true
		s.weekday = weekday
	}
}

type Scheduler struct {
	clock    clock.Clock
	store    RecordStore
	pnl      PnLResetter
	lockouts LockoutClearer
	log      zerolog.Logger
	backoff  fault.Backoff

	mu        sync.RWMutex
	schedules map[string]*schedule
	listeners []Listener
}

type Option func(*Scheduler)

func WithListener(l Listener) Option {
	return func(s *Scheduler) { s.listeners = append(s.listeners, l) }
}

func WithBackoff(b fault.Backoff) Option {
	return func(s *Scheduler) { s.backoff = b }
}

func New(c clock.Clock, store RecordStore, pnl PnLResetter, lockouts LockoutClearer, log zerolog.Logger, opts ...Option) *Scheduler {
	if store == nil {
		store = NewMemoryRecords()
	}
	s := &Scheduler{
		clock:     c,
		store:     store,
		pnl:       pnl,
		lockouts:  lockouts,
		log:       log.With().Str("component", "reset").Logger(),
		backoff:   fault.DefaultBackoff,
		schedules: make(map[string]*schedule),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleDailyReset registers (or replaces) the account's reset at
// timeOfDay (HH:MM) in the IANA timezone tz.
func (s *Scheduler) ScheduleDailyReset(account, timeOfDay, tz string, opts ...ScheduleOption) error {
	if account == "" {
		return fault.Configf("reset schedule: empty account")
	}
	hour, minute, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return fault.Config("reset schedule "+account, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fault.Config("reset schedule "+account, fmt.Errorf("timezone %q: %w", tz, err))
	}

	cal, _ := NewCalendar(nil, nil)
	sc := &schedule{account: account, hour: hour, minute: minute, loc: loc, calendar: cal}
	for _, o := range opts {
		o(sc)
	}

	s.mu.Lock()
	s.schedules[account] = sc
	s.mu.Unlock()

	s.log.Info().
		Str("account", account).
		Str("time", timeOfDay).
		Str("timezone", tz).
		Time("next", sc.next(s.clock.Now())).
		Msg("daily reset scheduled")
	return nil
}

func (s *Scheduler) get(account string) (*schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[account]
	return sc, ok
}

func (s *Scheduler) all() []*schedule {
	s.mu.RLock()
	out := make([]*schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].account < out[j].account })
	return out
}

// NextResetTime is the next scheduled reset strictly after now. A breach at
// or after today's scheduled time resolves to tomorrow's occurrence.
func (s *Scheduler) NextResetTime(account string, now time.Time) (time.Time, bool) {
	sc, ok := s.get(account)
	if !ok {
		return time.Time{}, false
	}
	return sc.next(now), true
}

// PeriodKey is the daily period key the account is currently in. Before
// today's reset time that is still yesterday's period.
func (s *Scheduler) PeriodKey(account string, now time.Time) (string, error) {
	sc, ok := s.get(account)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	return DailyKey(sc.latest(now)), nil
}

// LastReset returns the most recent reset this process fired for account.
func (s *Scheduler) LastReset(account string) (Completion, bool) {
	sc, ok := s.get(account)
	if !ok {
		return Completion{}, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lastDone == nil {
		return Completion{}, false
	}
	return *sc.lastDone, true
}

// PendingPnL returns the period keys whose P&L reset has not gone through
// yet for account.
func (s *Scheduler) PendingPnL(account string) []string {
	sc, ok := s.get(account)
	if !ok {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.pendingKeys()
}

// CheckResetTime fires, for every account, the reset of the most recent
// scheduled instant unless it already fired, so a reset missed while the
// process was down runs on the first check after it. P&L resets that failed
// earlier are retried first. Accounts are independent: one account's failure is
// logged and returned joined with the others, without stopping them.
func (s *Scheduler) CheckResetTime(ctx context.Context) ([]Completion, error) {
	var (
		done []Completion
		errs []error
	)
	for _, sc := range s.all() {
		c, fired, err := s.check(ctx, sc)
		if fired {
			done = append(done, c)
		}
		if err != nil {
			s.log.Error().Err(err).Str("account", sc.account).Msg("reset check failed")
			errs = append(errs, fmt.Errorf("account %s: %w", sc.account, err))
		}
	}
	for _, c := range done {
		for _, l := range s.listeners {
			l.DailyResetCompleted(c)
		}
	}
	return done, errors.Join(errs...)
}

func (s *Scheduler) check(ctx context.Context, sc *schedule) (Completion, bool, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	errs := []error{s.retryPending(ctx, sc)}

	now := s.clock.Now()
	scheduled := sc.latest(now)
	key := DailyKey(scheduled)
	if sc.lastKey == key {
		return Completion{}, false, errors.Join(errs...)
	}

	inserted, err := s.insert(ctx, Record{AccountID: sc.account, PeriodKey: key, FiredAt: now})
	if err != nil {
		return Completion{}, false, errors.Join(append(errs, err)...)
	}
	sc.lastKey = key
	if !inserted {
		s.log.Debug().Str("account", sc.account).Str("period", key).Msg("reset already recorded")
		return Completion{}, false, errors.Join(errs...)
	}

	c := Completion{
		Account:     sc.account,
		PeriodKey:   key,
		ScheduledAt: scheduled,
		FiredAt:     now,
		TradingDay:  sc.calendar.IsTradingDay(scheduled),
	}

	if c.TradingDay {
		sc.supersede(Daily)
		if err := s.resetPnL(ctx, sc.account, Daily); err != nil {
			errs = append(errs, err)
			sc.owe(pendingPnL{period: Daily, key: key, recorded: true})
		} else {
			c.PnLReset = true
		}
	} else {
		s.log.Info().Str("account", sc.account).Str("period", key).Msg("non-trading day; P&L reset skipped")
	}

	if sc.weekly && scheduled.Weekday() == sc.weekday {
		wkey := WeeklyKey(scheduled)
		sc.supersede(Weekly)
		ok, err := s.insert(ctx, Record{AccountID: sc.account, PeriodKey: wkey, FiredAt: now})
		switch {
		case err != nil:
			errs = append(errs, err)
			sc.owe(pendingPnL{period: Weekly, key: wkey})
		case ok:
			if err := s.resetPnL(ctx, sc.account, Weekly); err != nil {
				errs = append(errs, err)
				sc.owe(pendingPnL{period: Weekly, key: wkey, recorded: true})
			} else {
				c.WeeklyReset = true
			}
		}
	}

	if s.lockouts != nil {
		c.ClearedLockouts = s.lockouts.ClearDayScoped(ctx, sc.account, scheduled)
	}

	c.PendingPnL = sc.pendingKeys()
	sc.lastDone = &c
	s.log.Info().
		Str("account", sc.account).
		Str("period", key).
		Bool("catch_up", !scheduled.Equal(sc.today(now))).
		Bool("trading_day", c.TradingDay).
		Bool("pnl_reset", c.PnLReset).
		Bool("weekly_reset", c.WeeklyReset).
		Strs("pnl_pending", c.PendingPnL).
		Int("cleared_lockouts", len(c.ClearedLockouts)).
		Msg("daily reset completed")

	// The reset has fired either way; side-effect failures are reported
	// alongside the completion and owed P&L resets retried on later checks.
	return c, true, errors.Join(errs...)
}

// retryPending retries owed P&L resets. Entries that still fail stay owed.
func (s *Scheduler) retryPending(ctx context.Context, sc *schedule) error {
	if len(sc.pending) == 0 {
		return nil
	}
	var (
		errs []error
		left []pendingPnL
	)
	for _, p := range sc.pending {
		if !p.recorded {
			ok, err := s.insert(ctx, Record{AccountID: sc.account, PeriodKey: p.key, FiredAt: s.clock.Now()})
			if err != nil {
				errs = append(errs, err)
				left = append(left, p)
				continue
			}
			if !ok {
				// Another process fired this period.
				continue
			}
			p.recorded = true
		}
		if err := s.resetPnL(ctx, sc.account, p.period); err != nil {
			errs = append(errs, err)
			left = append(left, p)
			continue
		}
		s.log.Info().Str("account", sc.account).Str("period", p.key).Msg("owed P&L reset applied")
		if sc.lastDone != nil {
			c := *sc.lastDone
			switch {
			case p.period == Daily && c.PeriodKey == p.key:
				c.PnLReset = true
			case p.period == Weekly && WeeklyKey(c.ScheduledAt) == p.key:
				c.WeeklyReset = true
			}
			sc.lastDone = &c
		}
	}
	sc.pending = left
	if sc.lastDone != nil {
		c := *sc.lastDone
		c.PendingPnL = sc.pendingKeys()
		sc.lastDone = &c
	}
	return errors.Join(errs...)
}

func (s *Scheduler) insert(ctx context.Context, r Record) (bool, error) {
	var inserted bool
	_, err := fault.Retry(ctx, s.backoff, func(int) error {
		var ierr error
		inserted, ierr = s.store.InsertResetRecord(ctx, r)
		return ierr
	})
	if err != nil {
		return false, fmt.Errorf("record reset %s: %w", r.PeriodKey, err)
	}
	return inserted, nil
}

func (s *Scheduler) resetPnL(ctx context.Context, account string, p Period) error {
	if s.pnl == nil {
		return nil
	}
	_, err := fault.Retry(ctx, s.backoff, func(int) error {
		return s.pnl.ResetPnL(ctx, account, p)
	})
	if err != nil {
		return fmt.Errorf("reset %s pnl: %w", p, err)
	}
	return nil
}
