package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/riskguard/risk"
)

const session = `time,type,account,symbol,size,avg_price,price,realized_pnl,unrealized_pnl,order_id,order_status
2026-03-03T14:30:00Z,order,ACC1,ES,1,,5000,,,o-1,working
2026-03-03T14:30:01Z,trade,ACC1,ES,1,,5000
2026-03-03T14:30:01Z,position,ACC1,ES,1,5000,,,0
# stop hit
2026-03-03T14:45:00Z,trade,ACC1,ES,-1,,4990,-500
2026-03-03T14:45:00Z,position,ACC1,ES,0
`

func readAll(t *testing.T, f *Feed) []risk.Event {
	t.Helper()
	var out []risk.Event
	for {
		ev, ok, err := f.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestFeedParsesSession(t *testing.T) {
	evs := readAll(t, NewFeed(strings.NewReader(session), time.Time{}, time.Time{}))
	require.Len(t, evs, 5)

	assert.Equal(t, risk.OrderUpdate, evs[0].Type)
	assert.Equal(t, "o-1", evs[0].OrderID)
	assert.Equal(t, risk.OrderWorking, evs[0].OrderStatus)

	assert.Equal(t, risk.TradeExecuted, evs[1].Type)
	assert.Equal(t, 5000.0, evs[1].Price)

	assert.Equal(t, risk.PositionUpdate, evs[2].Type)
	assert.Equal(t, 5000.0, evs[2].AvgPrice)

	assert.Equal(t, -500.0, evs[3].RealizedPnL)
	assert.Equal(t, -1.0, evs[3].Size)
	assert.Equal(t, time.Date(2026, 3, 3, 14, 45, 0, 0, time.UTC), evs[3].Time)

	assert.Zero(t, evs[4].Size)
}

func TestFeedRange(t *testing.T) {
	from := time.Date(2026, 3, 3, 14, 30, 1, 0, time.UTC)
	to := time.Date(2026, 3, 3, 14, 45, 0, 0, time.UTC)
	evs := readAll(t, NewFeed(strings.NewReader(session), from, to))
	assert.Len(t, evs, 2)
}

func TestFeedErrors(t *testing.T) {
	tests := []struct {
		name string
		row  string
		want string
	}{
		{"bad time", "yesterday,trade,ACC1,ES,1", "bad time"},
		{"bad type", "2026-03-03T14:30:00Z,quote,ACC1,ES,1", "unknown event type"},
		{"no account", "2026-03-03T14:30:00Z,trade,,ES,1", "account is required"},
		{"bad size", "2026-03-03T14:30:00Z,trade,ACC1,ES,one", "bad size"},
		{"bad status", "2026-03-03T14:30:00Z,order,ACC1,ES,1,,,,,o-1,pending", "bad order_status"},
		{"no order id", "2026-03-03T14:30:00Z,order,ACC1,ES,1,,,,,,working", "order_id is required"},
		{"too many columns", "2026-03-03T14:30:00Z,trade,ACC1,ES,1,,,,,,,extra", "too many columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFeed(strings.NewReader(tt.row+"\n"), time.Time{}, time.Time{})
			_, _, err := f.Next()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "line 1")
		})
	}
}

func TestOpenAndPlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	require.NoError(t, os.WriteFile(path, []byte(session), 0644))

	f, err := Open(path, time.Time{}, time.Time{})
	require.NoError(t, err)
	defer f.Close()

	var seen []risk.EventType
	var failed int
	n, err := Play(context.Background(), f, func(_ context.Context, ev risk.Event) error {
		seen = append(seen, ev.Type)
		if ev.Type == risk.OrderUpdate {
			return errors.New("rejected")
		}
		return nil
	}, func(risk.Event, error) { failed++ })
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, seen, 5)
	assert.Equal(t, 1, failed)
}

func TestPlayStopsOnError(t *testing.T) {
	f := NewFeed(strings.NewReader(session), time.Time{}, time.Time{})
	n, err := Play(context.Background(), f, func(context.Context, risk.Event) error {
		return errors.New("boom")
	}, nil)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, n)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.csv"), time.Time{}, time.Time{})
	assert.Error(t, err)
}
