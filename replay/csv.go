// Package replay reads normalized broker events from CSV so a recorded
// session can be pushed through the daemon.
package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/riskguard/risk"
)

// Columns is the expected header. The header row is optional; trailing
// columns may be omitted.
var Columns = []string{
	"time", "type", "account", "symbol", "size", "avg_price", "price",
	"realized_pnl", "unrealized_pnl", "order_id", "order_status",
}

type Feed struct {
	c    io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time

	sawFirst bool
}

func NewFeed(r io.Reader, from, to time.Time) *Feed {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.Comment = '#'
	return &Feed{r: cr, from: from, to: to}
}

// Open reads events from the CSV file at path. Events outside [from, to)
// are skipped; zero bounds are open.
func Open(path string, from, to time.Time) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	feed := NewFeed(f, from, to)
	feed.c = f
	return feed, nil
}

func (f *Feed) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

// Next returns the next event, or false at end of input.
func (f *Feed) Next() (risk.Event, bool, error) {
	for {
		row, err := f.r.Read()
		if err == io.EOF {
			return risk.Event{}, false, nil
		}
		if err != nil {
			return risk.Event{}, false, err
		}
		line, _ := f.r.FieldPos(0)
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}

		if !f.sawFirst {
			f.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		if len(row) > len(Columns) {
			return risk.Event{}, false, fmt.Errorf("line %d: too many columns (expected <=%d)", line, len(Columns))
		}
		ev, err := parseRow(row)
		if err != nil {
			return risk.Event{}, false, fmt.Errorf("line %d: %w", line, err)
		}
		if !inRange(ev.Time, f.from, f.to) {
			continue
		}
		return ev, true, nil
	}
}

// Play sends every event in f to fn in file order and returns how many it
// delivered. fn errors are passed to onErr and do not stop the replay; a
// nil onErr stops at the first one.
func Play(ctx context.Context, f *Feed, fn func(context.Context, risk.Event) error, onErr func(risk.Event, error)) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ev, ok, err := f.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		if err := fn(ctx, ev); err != nil {
			if onErr == nil {
				return n, err
			}
			onErr(ev, err)
		}
	}
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func col(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func parseRow(row []string) (risk.Event, error) {
	ts := col(row, 0)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return risk.Event{}, fmt.Errorf("bad time %q: %w", ts, err)
	}
	typ, err := risk.ParseEventType(col(row, 1))
	if err != nil {
		return risk.Event{}, err
	}
	ev := risk.Event{
		Type:        typ,
		Time:        t,
		Account:     col(row, 2),
		Symbol:      col(row, 3),
		OrderID:     col(row, 9),
		OrderStatus: risk.OrderStatus(strings.ToLower(col(row, 10))),
	}
	if ev.Account == "" {
		return risk.Event{}, fmt.Errorf("account is required")
	}

	nums := []struct {
		i   int
		dst *float64
	}{
		{4, &ev.Size},
		{5, &ev.AvgPrice},
		{6, &ev.Price},
		{7, &ev.RealizedPnL},
		{8, &ev.UnrealizedPnL},
	}
	for _, n := range nums {
		s := col(row, n.i)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return risk.Event{}, fmt.Errorf("bad %s %q: %w", Columns[n.i], s, err)
		}
		*n.dst = v
	}

	if typ == risk.OrderUpdate {
		switch ev.OrderStatus {
		case risk.OrderWorking, risk.OrderFilled, risk.OrderCancelled, risk.OrderRejected:
		default:
			return risk.Event{}, fmt.Errorf("bad order_status %q", ev.OrderStatus)
		}
		if ev.OrderID == "" {
			return risk.Event{}, fmt.Errorf("order_id is required for order events")
		}
	}
	return ev, nil
}
