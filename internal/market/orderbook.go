package market

import (
	"math"
	"sort"
)

// Side identifies an orderbook side for normalization and logging.
type Side string

const (
	Bids Side = "bids"
	Asks Side = "asks"
)

// NormalizeSide drops levels with non-positive prices, coerces negative
// sizes to absolute, and sorts canonically: bids by price descending, asks
// ascending. The input slice is not modified.
func NormalizeSide(levels []Level, side Side) []Level {
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Price <= 0 || math.IsNaN(lvl.Price) || math.IsNaN(lvl.Size) {
			continue
		}
		if lvl.Size < 0 {
			lvl.Size = -lvl.Size
		}
		out = append(out, lvl)
	}
	if side == Bids {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	}
	return out
}

// NormalizeBook builds a canonical OrderBook, truncating each side to depth
// when depth > 0. Returns nil if either side ends up empty.
func NormalizeBook(bids, asks []Level, depth int) *OrderBook {
	b := NormalizeSide(bids, Bids)
	a := NormalizeSide(asks, Asks)
	if len(b) == 0 || len(a) == 0 {
		return nil
	}
	if depth > 0 {
		if len(b) > depth {
			b = b[:depth]
		}
		if len(a) > depth {
			a = a[:depth]
		}
	}
	return &OrderBook{Bids: b, Asks: a}
}

// VWAPForNotional walks a book side from the inside out and computes the
// volume-weighted price of consuming targetUSDT of notional. Returns the
// vwap (nil when the depth is insufficient) and the notional actually
// filled.
func VWAPForNotional(levels []Level, targetUSDT float64) (*float64, float64) {
	remaining := targetUSDT
	filledUSDT := 0.0
	filledBase := 0.0
	for _, lvl := range levels {
		if lvl.Price <= 0 {
			continue
		}
		levelNotional := lvl.Price * lvl.Size
		take := levelNotional
		if take > remaining {
			take = remaining
		}
		filledUSDT += take
		filledBase += take / lvl.Price
		remaining -= take
		if remaining <= 1e-9 {
			break
		}
	}
	if filledBase <= 0 {
		return nil, 0
	}
	if remaining > 1e-6 {
		return nil, filledUSDT
	}
	vwap := filledUSDT / filledBase
	return &vwap, targetUSDT
}
