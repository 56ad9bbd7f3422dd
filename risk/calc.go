package risk

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// OpensExposure reports whether ev adds risk on top of before, the
// position held on ev.Symbol prior to the event. Reductions and closes
// never open exposure. A working order always does.
func OpensExposure(ev Event, before Position) bool {
	switch ev.Type {
	case PositionUpdate:
		if ev.Size == 0 {
			return false
		}
		if before.Size != 0 && sign(ev.Size) != sign(before.Size) {
			return true
		}
		return abs(ev.Size) > abs(before.Size)
	case TradeExecuted:
		if ev.Size == 0 {
			return false
		}
		if before.Size == 0 || sign(ev.Size) == sign(before.Size) {
			return true
		}
		// Reversal through flat.
		return abs(ev.Size) > abs(before.Size)
	case OrderUpdate:
		return ev.OrderStatus == OrderWorking
	}
	return false
}
