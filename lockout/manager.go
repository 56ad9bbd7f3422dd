// Package lockout owns trading-block state per account and per symbol. The
// Manager is the single writer to its store; every mutation is persisted
// before it is reported, and LoadFromStorage rebuilds the in-memory view and
// its cooldown timers after a restart.
package lockout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/id"
)

type entry struct {
	l           Lockout
	unpersisted bool
}

// bucket holds one account's lockouts. Its mutex is the per-account lock
// that linearizes set, check, expiry and reset for that account.
type bucket struct {
	mu      sync.Mutex
	active  map[string]*entry
	deletes map[string]Key
}

type notice struct {
	set   bool
	l     Lockout
	cause Cause
}

type Manager struct {
	clock     clock.Clock
	timers    Timers
	store     Store
	log       zerolog.Logger
	backoff   fault.Backoff
	listeners []Listener

	mu       sync.RWMutex
	accounts map[string]*bucket
}

type Option func(*Manager)

func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

func WithBackoff(b fault.Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

// New builds a manager. A nil store keeps lockouts in memory only.
func New(c clock.Clock, timers Timers, store Store, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		clock:    c,
		timers:   timers,
		store:    store,
		log:      log.With().Str("component", "lockout").Logger(),
		backoff:  fault.DefaultBackoff,
		accounts: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) bucket(account string) *bucket {
	m.mu.RLock()
	b, ok := m.accounts[account]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.accounts[account]; ok {
		return b
	}
	b = &bucket{active: make(map[string]*entry), deletes: make(map[string]Key)}
	m.accounts[account] = b
	return b
}

func (m *Manager) lookup(account string) *bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[account]
}

func (m *Manager) snapshot() []*bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*bucket, 0, len(m.accounts))
	for _, b := range m.accounts {
		out = append(out, b)
	}
	return out
}

// SetLockout activates a lockout for req.Key. When one is already active
// the merge policy decides; the returned lockout is whichever is active
// afterwards and applied reports whether the request won.
//
// A store failure that survives the retry budget does not undo the
// decision: the lockout stays active in memory, is flagged unpersisted and
// is written again from CheckExpired.
func (m *Manager) SetLockout(ctx context.Context, req Request) (Lockout, bool, error) {
	if err := req.Key.validate(); err != nil {
		return Lockout{}, false, fault.Invariant("lockout.set", err)
	}
	if !req.Kind.Valid() {
		return Lockout{}, false, fault.Invariant("lockout.set", fmt.Errorf("%w: %v", ErrUnknownKind, req.Kind))
	}

	now := m.clock.Now()
	expires, err := req.expiry(now)
	if err != nil {
		return Lockout{}, false, fault.Invariant("lockout.set", err)
	}
	if !expires.IsZero() && !now.Before(expires) {
		return Lockout{}, false, fault.Invariant("lockout.set",
			fmt.Errorf("lockout %s: expiry %s is not in the future", req.Key, expires.Format(time.RFC3339)))
	}

	cand := Lockout{
		ID:           id.At(now),
		Key:          req.Key,
		Reason:       req.Reason,
		Kind:         req.Kind,
		CreatedAt:    now,
		ExpiresAt:    expires,
		SourceRuleID: req.SourceRuleID,
		DayScoped:    req.DayScoped,
	}

	var notices []notice
	b := m.bucket(req.Key.Account)
	b.mu.Lock()

	if cur, ok := b.active[req.Key.Symbol]; ok {
		if cur.l.Expired(now) {
			m.cancelTimer(cur.l)
			notices = append(notices, notice{l: cur.l, cause: CauseExpired})
		} else {
			wins, err := cand.Outranks(cur.l)
			if err != nil {
				b.mu.Unlock()
				return Lockout{}, false, fault.Invariant("lockout.set", err)
			}
			if !wins {
				kept := cur.l
				b.mu.Unlock()
				m.log.Debug().
					Str("account", req.Key.Account).
					Str("symbol", req.Key.Symbol).
					Str("rule", req.SourceRuleID).
					Str("kept", kept.ID).
					Msg("lockout request merged into existing")
				return kept, false, nil
			}
			m.cancelTimer(cur.l)
		}
	}

	perr := m.persist(ctx, cand)
	b.active[req.Key.Symbol] = &entry{l: cand, unpersisted: perr != nil}
	delete(b.deletes, req.Key.Symbol)
	if cand.Kind == Cooldown && !cand.Indefinite() {
		m.startTimer(cand)
	}
	b.mu.Unlock()

	var ev *zerolog.Event
	if perr != nil {
		ev = m.log.Error().Err(perr).Bool("unpersisted", true)
	} else {
		ev = m.log.Info()
	}
	ev.Str("account", cand.Key.Account).
		Str("symbol", cand.Key.Symbol).
		Str("lockout_id", cand.ID).
		Str("kind", cand.Kind.String()).
		Str("rule", cand.SourceRuleID).
		Str("reason", cand.Reason).
		Time("expires_at", cand.ExpiresAt).
		Msg("lockout set")

	notices = append(notices, notice{set: true, l: cand})
	m.notify(notices)
	return cand, true, nil
}

// IsLockedOut reports whether trading on k is blocked. A symbol key is also
// blocked by an account-wide lockout; when both exist the more restrictive
// one is returned.
func (m *Manager) IsLockedOut(k Key) (bool, *Info) {
	b := m.lookup(k.Account)
	if b == nil {
		return false, nil
	}
	now := m.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	var best *entry
	if !k.AccountWide() {
		if e, ok := b.active[k.Symbol]; ok && !e.l.Expired(now) {
			best = e
		}
	}
	if e, ok := b.active[""]; ok && !e.l.Expired(now) {
		if best == nil {
			best = e
		} else if wins, err := e.l.Outranks(best.l); err == nil && wins {
			best = e
		}
	}
	if best == nil {
		return false, nil
	}
	info := m.info(best, now)
	return true, &info
}

// Get returns the lockout stored under exactly k, without the account-wide
// fallback IsLockedOut applies.
func (m *Manager) Get(k Key) (Info, bool) {
	b := m.lookup(k.Account)
	if b == nil {
		return Info{}, false
	}
	now := m.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.active[k.Symbol]
	if !ok || e.l.Expired(now) {
		return Info{}, false
	}
	return m.info(e, now), true
}

// Active lists every unexpired lockout ordered by key.
func (m *Manager) Active() []Info {
	now := m.clock.Now()
	var out []Info
	for _, b := range m.snapshot() {
		b.mu.Lock()
		for _, e := range b.active {
			if !e.l.Expired(now) {
				out = append(out, m.info(e, now))
			}
		}
		b.mu.Unlock()
	}
	sortInfos(out)
	return out
}

// ActiveFor lists the unexpired lockouts of one account.
func (m *Manager) ActiveFor(account string) []Info {
	b := m.lookup(account)
	if b == nil {
		return nil
	}
	now := m.clock.Now()
	var out []Info
	b.mu.Lock()
	for _, e := range b.active {
		if !e.l.Expired(now) {
			out = append(out, m.info(e, now))
		}
	}
	b.mu.Unlock()
	sortInfos(out)
	return out
}

func sortInfos(in []Info) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Key.Account != in[j].Key.Account {
			return in[i].Key.Account < in[j].Key.Account
		}
		return in[i].Key.Symbol < in[j].Key.Symbol
	})
}

func (m *Manager) info(e *entry, now time.Time) Info {
	left, finite := e.l.Remaining(now)
	return Info{Lockout: e.l, Remaining: left, Indefinite: !finite, Unpersisted: e.unpersisted}
}

// ClearLockout removes the lockout stored under k. It is reached from the
// reset scheduler, from expiry and from configuration-time administration;
// there is no trader-facing unlock. Clearing an absent key is a no-op.
func (m *Manager) ClearLockout(ctx context.Context, k Key, cause Cause) (bool, error) {
	if err := k.validate(); err != nil {
		return false, fault.Invariant("lockout.clear", err)
	}
	b := m.lookup(k.Account)
	if b == nil {
		return false, nil
	}

	b.mu.Lock()
	e, ok := b.active[k.Symbol]
	if !ok {
		b.mu.Unlock()
		return false, nil
	}
	l := m.removeLocked(ctx, b, e, cause)
	b.mu.Unlock()

	m.notify([]notice{{l: l, cause: cause}})
	return true, nil
}

// ClearDayScoped clears the account's day-scoped lockouts created before
// boundary. Lockouts set at or after the boundary belong to the next period.
func (m *Manager) ClearDayScoped(ctx context.Context, account string, boundary time.Time) []Lockout {
	b := m.lookup(account)
	if b == nil {
		return nil
	}

	var cleared []Lockout
	b.mu.Lock()
	for _, e := range b.active {
		if !e.l.DayScoped {
			continue
		}
		if !boundary.IsZero() && !e.l.CreatedAt.Before(boundary) {
			continue
		}
		cleared = append(cleared, m.removeLocked(ctx, b, e, CauseReset))
	}
	b.mu.Unlock()

	ns := make([]notice, 0, len(cleared))
	for _, l := range cleared {
		ns = append(ns, notice{l: l, cause: CauseReset})
	}
	m.notify(ns)
	return cleared
}

// CheckExpired clears every lockout whose expiry has passed and retries
// store writes that previously failed. It is driven by the fast tick.
func (m *Manager) CheckExpired(ctx context.Context) []Lockout {
	now := m.clock.Now()
	var cleared []Lockout

	for _, b := range m.snapshot() {
		b.mu.Lock()
		for _, e := range b.active {
			if e.l.Expired(now) {
				cleared = append(cleared, m.removeLocked(ctx, b, e, CauseExpired))
			}
		}
		m.flushLocked(ctx, b)
		b.mu.Unlock()
	}

	ns := make([]notice, 0, len(cleared))
	for _, l := range cleared {
		ns = append(ns, notice{l: l, cause: CauseExpired})
	}
	m.notify(ns)
	return cleared
}

// flushLocked makes one attempt per unpersisted row; the next tick tries again.
func (m *Manager) flushLocked(ctx context.Context, b *bucket) {
	if m.store == nil {
		return
	}
	for _, e := range b.active {
		if !e.unpersisted {
			continue
		}
		if err := m.store.UpsertLockout(ctx, e.l); err != nil {
			m.log.Warn().Err(err).Str("lockout_id", e.l.ID).Msg("lockout still unpersisted")
			continue
		}
		e.unpersisted = false
		m.log.Info().Str("lockout_id", e.l.ID).Str("account", e.l.Key.Account).Msg("lockout persisted on retry")
	}
	for sym, k := range b.deletes {
		if _, live := b.active[sym]; live {
			delete(b.deletes, sym)
			continue
		}
		if err := m.store.DeleteLockout(ctx, k); err != nil {
			m.log.Warn().Err(err).Str("account", k.Account).Str("symbol", k.Symbol).Msg("lockout delete still pending")
			continue
		}
		delete(b.deletes, sym)
	}
}

// LoadFromStorage rebuilds state from the store. Rows already expired are
// cleared immediately; live cooldowns get their timers back with the
// original absolute deadline.
func (m *Manager) LoadFromStorage(ctx context.Context) (loaded, cleared int, err error) {
	if m.store == nil {
		return 0, 0, nil
	}

	var rows []Lockout
	if _, err := fault.Retry(ctx, m.backoff, func(int) error {
		var lerr error
		rows, lerr = m.store.ListLockouts(ctx)
		return lerr
	}); err != nil {
		return 0, 0, fmt.Errorf("load lockouts: %w", err)
	}

	now := m.clock.Now()
	var notices []notice
	for _, l := range rows {
		if err := l.Key.validate(); err != nil || !l.Kind.Valid() {
			m.log.Error().Str("lockout_id", l.ID).Str("kind", l.Kind.String()).Msg("skipping invalid lockout row")
			continue
		}

		b := m.bucket(l.Key.Account)
		b.mu.Lock()
		if l.Expired(now) {
			if derr := m.delete(ctx, l.Key); derr != nil {
				b.deletes[l.Key.Symbol] = l.Key
			}
			b.mu.Unlock()
			cleared++
			notices = append(notices, notice{l: l, cause: CauseExpired})
			continue
		}

		if cur, ok := b.active[l.Key.Symbol]; ok {
			if wins, _ := l.Outranks(cur.l); !wins {
				b.mu.Unlock()
				continue
			}
			m.cancelTimer(cur.l)
		}
		b.active[l.Key.Symbol] = &entry{l: l}
		if l.Kind == Cooldown && !l.Indefinite() {
			m.startTimer(l)
		}
		b.mu.Unlock()
		loaded++
	}

	m.log.Info().Int("loaded", loaded).Int("cleared", cleared).Msg("lockouts restored from storage")
	m.notify(notices)
	return loaded, cleared, nil
}

// Stats summarizes manager state for status surfaces.
type Stats struct {
	Active         int
	Unpersisted    int
	PendingDeletes int
}

func (m *Manager) Stats() Stats {
	now := m.clock.Now()
	var s Stats
	for _, b := range m.snapshot() {
		b.mu.Lock()
		for _, e := range b.active {
			if e.l.Expired(now) {
				continue
			}
			s.Active++
			if e.unpersisted {
				s.Unpersisted++
			}
		}
		s.PendingDeletes += len(b.deletes)
		b.mu.Unlock()
	}
	return s
}

// RemainingTime reports the cooldown countdown for the lockout on exactly k.
func (m *Manager) RemainingTime(k Key) (time.Duration, bool) {
	info, ok := m.Get(k)
	if !ok {
		return 0, false
	}
	if info.Kind == Cooldown && m.timers != nil {
		if d, ok := m.timers.RemainingTime(TimerID(info.Lockout)); ok {
			return d, true
		}
	}
	return info.Remaining, !info.Indefinite
}

func (m *Manager) removeLocked(ctx context.Context, b *bucket, e *entry, cause Cause) Lockout {
	delete(b.active, e.l.Key.Symbol)
	m.cancelTimer(e.l)
	if err := m.delete(ctx, e.l.Key); err != nil {
		b.deletes[e.l.Key.Symbol] = e.l.Key
		m.log.Error().Err(err).Str("lockout_id", e.l.ID).Msg("lockout delete failed; will retry")
	}
	m.log.Info().
		Str("account", e.l.Key.Account).
		Str("symbol", e.l.Key.Symbol).
		Str("lockout_id", e.l.ID).
		Str("cause", string(cause)).
		Msg("lockout cleared")
	return e.l
}

func (m *Manager) expire(ctx context.Context, k Key, lockoutID string) error {
	b := m.lookup(k.Account)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	e, ok := b.active[k.Symbol]
	if !ok || e.l.ID != lockoutID {
		b.mu.Unlock()
		return nil
	}
	l := m.removeLocked(ctx, b, e, CauseExpired)
	b.mu.Unlock()

	m.notify([]notice{{l: l, cause: CauseExpired}})
	return nil
}

func (m *Manager) startTimer(l Lockout) {
	if m.timers == nil {
		return
	}
	k, lid := l.Key, l.ID
	err := m.timers.StartTimer(TimerID(l), l.ExpiresAt, func(time.Time) error {
		return m.expire(context.Background(), k, lid)
	})
	if err != nil {
		m.log.Error().Err(err).Str("lockout_id", l.ID).Msg("cooldown timer not registered")
	}
}

func (m *Manager) cancelTimer(l Lockout) {
	if m.timers != nil {
		m.timers.CancelTimer(TimerID(l))
	}
}

func (m *Manager) persist(ctx context.Context, l Lockout) error {
	if m.store == nil {
		return nil
	}
	_, err := fault.Retry(ctx, m.backoff, func(int) error {
		return m.store.UpsertLockout(ctx, l)
	})
	return err
}

func (m *Manager) delete(ctx context.Context, k Key) error {
	if m.store == nil {
		return nil
	}
	_, err := fault.Retry(ctx, m.backoff, func(int) error {
		return m.store.DeleteLockout(ctx, k)
	})
	return err
}

func (m *Manager) notify(ns []notice) {
	for _, n := range ns {
		for _, l := range m.listeners {
			if n.set {
				l.LockoutSet(n.l)
			} else {
				l.LockoutCleared(n.l, n.cause)
			}
		}
	}
}
