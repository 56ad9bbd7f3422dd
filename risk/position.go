package risk

import "time"

type Position struct {
	Symbol        string
	Size          float64
	AvgPrice      float64
	UnrealizedPnL float64
	UpdatedAt     time.Time
}

func (p Position) Flat() bool { return p.Size == 0 }

func (p Position) Long() bool { return p.Size > 0 }

// Apply returns the position after a fill of signed qty at price. Adding to
// the position averages the entry price; reducing keeps it; flipping
// through zero starts fresh at price.
func (p Position) Apply(qty, price float64, at time.Time) Position {
	next := p.Size + qty
	switch {
	case next == 0:
		p.AvgPrice = 0
		p.UnrealizedPnL = 0
	case p.Size == 0 || sign(next) != sign(p.Size):
		p.AvgPrice = price
	case sign(qty) == sign(p.Size):
		p.AvgPrice = (abs(p.Size)*p.AvgPrice + abs(qty)*price) / abs(next)
	}
	p.Size = next
	p.UpdatedAt = at
	return p
}
