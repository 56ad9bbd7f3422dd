// Package timer keeps a registry of absolute-deadline timers. Deadlines are
// wall-clock instants rather than durations so timers rebuilt from persisted
// rows after a restart keep their original expiry.
package timer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskguard/clock"
	"github.com/rustyeddy/riskguard/fault"
)

var ErrTimerExists = errors.New("timer already registered")

// Callback runs when a timer fires. The time passed is the tick instant.
type Callback func(firedAt time.Time) error

type entry struct {
	id        string
	expiresAt time.Time
	onFire    Callback
}

// Info is a read-only view of a registered timer.
type Info struct {
	ID        string
	ExpiresAt time.Time
	Remaining time.Duration
}

type Manager struct {
	mu     sync.Mutex
	clock  clock.Clock
	log    zerolog.Logger
	timers map[string]*entry

	// callbackBudget is the run time above which a callback is reported slow.
	callbackBudget time.Duration
}

func NewManager(c clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		clock:          c,
		log:            log.With().Str("component", "timer").Logger(),
		timers:         make(map[string]*entry),
		callbackBudget: 250 * time.Millisecond,
	}
}

// StartTimer registers cb to run at the first Tick at or after deadline.
// Re-registering a live id is rejected; cancel it first. Callbacks run
// synchronously on the goroutine calling Tick and must not block: hand
// slow work to another goroutine.
func (m *Manager) StartTimer(id string, deadline time.Time, cb Callback) error {
	if id == "" {
		return fault.Invariant("timer.start", errors.New("empty timer id"))
	}
	if cb == nil {
		return fault.Invariant("timer.start", fmt.Errorf("timer %q: nil callback", id))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[id]; ok {
		return fault.Invariant("timer.start", fmt.Errorf("%w: %q", ErrTimerExists, id))
	}
	m.timers[id] = &entry{id: id, expiresAt: deadline, onFire: cb}
	m.log.Debug().Str("timer", id).Time("expires_at", deadline).Msg("timer started")
	return nil
}

// CancelTimer removes id. Unknown or already fired ids return false.
func (m *Manager) CancelTimer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.timers[id]; !ok {
		return false
	}
	delete(m.timers, id)
	m.log.Debug().Str("timer", id).Msg("timer cancelled")
	return true
}

// RemainingTime reports the time left before id fires. A timer whose
// deadline has passed but has not been ticked yet reports zero.
func (m *Manager) RemainingTime(id string) (time.Duration, bool) {
	m.mu.Lock()
	e, ok := m.timers[id]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	left := e.expiresAt.Sub(m.clock.Now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// List returns the registered timers ordered by deadline.
func (m *Manager) List() []Info {
	now := m.clock.Now()

	m.mu.Lock()
	out := make([]Info, 0, len(m.timers))
	for _, e := range m.timers {
		left := e.expiresAt.Sub(now)
		if left < 0 {
			left = 0
		}
		out = append(out, Info{ID: e.id, ExpiresAt: e.expiresAt, Remaining: left})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Tick fires every timer whose deadline is at or before now and removes
// it. Due timers are removed before any callback runs, so callbacks may
// start or cancel timers without deadlocking. A failing or panicking
// callback is logged and does not stop the others. It returns the number
// of timers fired.
func (m *Manager) Tick() int {
	now := m.clock.Now()

	m.mu.Lock()
	var due []*entry
	for id, e := range m.timers {
		if !now.Before(e.expiresAt) {
			due = append(due, e)
			delete(m.timers, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].expiresAt.Equal(due[j].expiresAt) {
			return due[i].id < due[j].id
		}
		return due[i].expiresAt.Before(due[j].expiresAt)
	})

	for _, e := range due {
		m.fire(e, now)
	}
	return len(due)
}

func (m *Manager) fire(e *entry, now time.Time) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("timer", e.id).Interface("panic", r).Msg("timer callback panicked")
		}
		if took := time.Since(start); took > m.callbackBudget {
			m.log.Warn().Str("timer", e.id).Dur("took", took).Msg("slow timer callback")
		}
	}()

	if err := e.onFire(now); err != nil {
		m.log.Error().Err(err).Str("timer", e.id).Msg("timer callback failed")
		return
	}
	m.log.Debug().Str("timer", e.id).Time("expires_at", e.expiresAt).Msg("timer fired")
}
