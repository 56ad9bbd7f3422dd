// Package pnl keeps per-account realized P&L counters for the current day
// and week.
package pnl

import (
	"context"
	"sync"

	"github.com/rustyeddy/riskguard/reset"
)

type Totals struct {
	Daily  float64
	Weekly float64
}

type Store interface {
	// Add books realized P&L into both the daily and weekly counters.
	Add(ctx context.Context, account string, realized float64) (Totals, error)
	Get(ctx context.Context, account string) (Totals, error)
	Reset(ctx context.Context, account string, period reset.Period) error
}

type Memory struct {
	mu sync.Mutex
	m  map[string]Totals
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]Totals)}
}

func (s *Memory) Add(_ context.Context, account string, realized float64) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.m[account]
	t.Daily += realized
	t.Weekly += realized
	s.m[account] = t
	return t, nil
}

func (s *Memory) Get(_ context.Context, account string) (Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[account], nil
}

func (s *Memory) Reset(_ context.Context, account string, period reset.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.m[account]
	switch period {
	case reset.Daily:
		t.Daily = 0
	case reset.Weekly:
		t.Weekly = 0
	}
	s.m[account] = t
	return nil
}
