package reset

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record marks a period whose reset has fired. Stores must enforce
// uniqueness on (AccountID, PeriodKey).
type Record struct {
	AccountID string
	PeriodKey string
	FiredAt   time.Time
}

type RecordStore interface {
	// InsertResetRecord writes r unless a record for the same account and
	// period exists, reporting whether this call inserted it.
	InsertResetRecord(ctx context.Context, r Record) (bool, error)
	ListResetRecords(ctx context.Context, account string, limit int) ([]Record, error)
}

// MemoryRecords is a process-local RecordStore.
type MemoryRecords struct {
	mu   sync.Mutex
	rows map[[2]string]Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{rows: make(map[[2]string]Record)}
}

func (s *MemoryRecords) InsertResetRecord(_ context.Context, r Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{r.AccountID, r.PeriodKey}
	if _, ok := s.rows[k]; ok {
		return false, nil
	}
	s.rows[k] = r
	return true, nil
}

func (s *MemoryRecords) ListResetRecords(_ context.Context, account string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.rows {
		if r.AccountID == account {
			out = append(out, r)
		}
	}
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortRecords orders newest first.
func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].FiredAt.After(rs[j].FiredAt) })
}
