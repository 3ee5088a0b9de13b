package exec

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/venues"
)

// Plan is the preflighted order for one leg, ready to place.
type Plan struct {
	Venue     string
	Coin      string
	Direction string // "long" | "short"
	Symbol    string
	Side      string // "Buy" | "Sell"

	Qty        float64 // base units
	QtyStr     string  // formatted to the venue's step precision
	LimitPrice float64
	PriceStr   string

	// Gate futures sizes orders in integer contracts.
	Contracts        int64
	QuantoMultiplier float64
}

// stepEps absorbs binary-representation noise in x/step so an exact
// multiple never jumps a step.
const stepEps = 1e-9

func floorToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+stepEps) * step
}

func ceilToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Ceil(x/step-stepEps) * step
}

// roundPriceForSide rounds aggressively so the limit crosses the book:
// Buy ceils to the tick (at or above the ask), Sell floors (at or below
// the bid).
func roundPriceForSide(price, tick float64, side string) float64 {
	if tick <= 0 {
		return price
	}
	if strings.EqualFold(side, "buy") || strings.EqualFold(side, "long") {
		return ceilToStep(price, tick)
	}
	return floorToStep(price, tick)
}

// decimalsFromStep derives display precision from a step string like
// "0.001" without going through float parsing.
func decimalsFromStep(step string) int {
	s := strings.TrimSpace(step)
	if s == "" || strings.ContainsAny(s, "eE") {
		return 8
	}
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(s[idx+1:], "0")
	return len(frac)
}

// formatByStep renders x with the step's precision, trailing zeros trimmed.
func formatByStep(x float64, step string) string {
	decimals := decimalsFromStep(step)
	if decimals == 0 {
		return strconv.FormatInt(int64(math.Round(x)), 10)
	}
	return trimZeros(strconv.FormatFloat(x, 'f', decimals, 64))
}

// priceLevelForTargetSize walks a side from the top and returns the price
// level at which the cumulative size reaches target, plus the cumulative
// size seen.
func priceLevelForTargetSize(levels []market.Level, target float64) (*float64, float64) {
	if target <= 0 {
		return nil, 0
	}
	cum := 0.0
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		cum += lvl.Size
		if cum+1e-12 >= target {
			p := lvl.Price
			return &p, cum
		}
	}
	return nil, cum
}

func parseStep(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// MinQtyForVenue computes the minimum tradable base quantity for a coin on
// a venue at the given reference price: the larger of the venue's
// minOrderQty and the quantity implied by its minimum notional, aligned up
// to the lot step.
func MinQtyForVenue(ctx context.Context, reg *venues.Registry, venue, coin string, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("minqty: bad price %g", price)
	}
	switch venue {
	case venues.Bybit:
		ex, ok := reg.Get(venue).(*venues.BybitExchange)
		if !ok {
			return 0, fmt.Errorf("minqty: bybit adapter unavailable")
		}
		inst, err := ex.Instrument(ctx, coin)
		if err != nil {
			return 0, err
		}
		step := parseStep(inst.QtyStep)
		minQty := parseStep(inst.MinOrderQty)
		if minNotional := parseStep(inst.MinNotional); minNotional > 0 {
			byNotional := minNotional / price
			if step > 0 {
				byNotional = ceilToStep(byNotional, step)
			}
			if byNotional > minQty {
				minQty = byNotional
			}
		}
		return minQty, nil
	case venues.Gate:
		ex, ok := reg.Get(venue).(*venues.GateExchange)
		if !ok {
			return 0, fmt.Errorf("minqty: gate adapter unavailable")
		}
		inst, err := ex.ContractInfo(ctx, coin)
		if err != nil {
			return 0, err
		}
		qmul := parseStep(inst.QuantoMultiplier)
		if qmul <= 0 {
			qmul = 1
		}
		minContracts := parseStep(inst.MinOrderQty)
		if minContracts <= 0 {
			minContracts = 1
		}
		return minContracts * qmul, nil
	}
	return 0, fmt.Errorf("minqty: not implemented for %s", venue)
}

// Engine preflight helpers per venue follow.

// planBybitLeg reads the ticker + lot filters and builds an aggressive
// limit plan for coinAmount base units.
func (e *Engine) planBybitLeg(ctx context.Context, coin, direction string, coinAmount float64) (*Plan, error) {
	if !e.BybitCreds.Configured() {
		return nil, fmt.Errorf("missing BYBIT_API_KEY/BYBIT_API_SECRET")
	}
	ex, ok := e.Registry.Get(venues.Bybit).(*venues.BybitExchange)
	if !ok {
		return nil, fmt.Errorf("bybit adapter unavailable")
	}

	tk, err := ex.FuturesTicker(ctx, coin)
	if err != nil || tk == nil {
		return nil, fmt.Errorf("ticker not available for %s: %w", coin, err)
	}
	if tk.Bid <= 0 || tk.Ask <= 0 {
		return nil, fmt.Errorf("bad bid/ask for %s: bid=%g ask=%g", coin, tk.Bid, tk.Ask)
	}

	side := "Buy"
	refPrice := tk.Ask
	if direction == "short" {
		side = "Sell"
		refPrice = tk.Bid
	}

	inst, err := ex.Instrument(ctx, coin)
	if err != nil {
		return nil, fmt.Errorf("lot filters unavailable for %s: %w", coin, err)
	}
	qtyStep := parseStep(inst.QtyStep)
	minQty := parseStep(inst.MinOrderQty)
	tick := parseStep(inst.TickSize)

	qty := coinAmount
	if qtyStep > 0 {
		qty = floorToStep(qty, qtyStep)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("qty computed as %g (requested %g)", qty, coinAmount)
	}
	if minQty > 0 && qty < minQty {
		return nil, fmt.Errorf("qty %g < minOrderQty %g", qty, minQty)
	}

	limit := roundPriceForSide(refPrice, tick, side)

	// Best-price liquidity probe: the top levels should hold the quantity.
	if ob, err := ex.Orderbook(ctx, coin, 25); err == nil && ob != nil {
		sideLevels := ob.Asks
		if side == "Sell" {
			sideLevels = ob.Bids
		}
		if _, cum := priceLevelForTargetSize(sideLevels, qty); cum < qty {
			e.Log.Warn().Str("coin", coin).Float64("qty", qty).Float64("available", cum).
				Msg("bybit: top-of-book thinner than order quantity")
		}
	}

	return &Plan{
		Venue:      venues.Bybit,
		Coin:       coin,
		Direction:  direction,
		Symbol:     ex.NormalizeSymbol(coin),
		Side:       side,
		Qty:        qty,
		QtyStr:     formatByStep(qty, inst.QtyStep),
		LimitPrice: limit,
		PriceStr:   formatByStep(limit, inst.TickSize),
	}, nil
}

// planGateLeg sizes the order in integer contracts using the quanto
// multiplier.
func (e *Engine) planGateLeg(ctx context.Context, coin, direction string, coinAmount float64) (*Plan, error) {
	if !e.GateCreds.Configured() {
		return nil, fmt.Errorf("missing GATEIO_API_KEY/GATEIO_API_SECRET")
	}
	ex, ok := e.Registry.Get(venues.Gate).(*venues.GateExchange)
	if !ok {
		return nil, fmt.Errorf("gate adapter unavailable")
	}

	tk, err := ex.FuturesTicker(ctx, coin)
	if err != nil || tk == nil {
		return nil, fmt.Errorf("ticker not available for %s: %w", coin, err)
	}
	if tk.Bid <= 0 || tk.Ask <= 0 {
		return nil, fmt.Errorf("bad bid/ask for %s: bid=%g ask=%g", coin, tk.Bid, tk.Ask)
	}

	side := "Buy"
	refPrice := tk.Ask
	if direction == "short" {
		side = "Sell"
		refPrice = tk.Bid
	}

	inst, err := ex.ContractInfo(ctx, coin)
	if err != nil {
		return nil, fmt.Errorf("contract info unavailable for %s: %w", coin, err)
	}
	qmul := parseStep(inst.QuantoMultiplier)
	if qmul <= 0 {
		return nil, fmt.Errorf("bad quanto_multiplier for %s: %q", coin, inst.QuantoMultiplier)
	}
	minContracts := int64(parseStep(inst.MinOrderQty))

	contracts := int64(math.Floor(coinAmount / qmul))
	if contracts <= 0 {
		return nil, fmt.Errorf("contracts computed as %d (requested %g / multiplier %g)", contracts, coinAmount, qmul)
	}
	if minContracts > 0 && contracts < minContracts {
		return nil, fmt.Errorf("contracts %d < min %d", contracts, minContracts)
	}

	tick := parseStep(inst.TickSize)
	limit := roundPriceForSide(refPrice, tick, side)

	return &Plan{
		Venue:            venues.Gate,
		Coin:             coin,
		Direction:        direction,
		Symbol:           ex.NormalizeSymbol(coin),
		Side:             side,
		Qty:              float64(contracts) * qmul,
		QtyStr:           strconv.FormatInt(contracts, 10),
		LimitPrice:       limit,
		PriceStr:         formatByStep(limit, inst.TickSize),
		Contracts:        contracts,
		QuantoMultiplier: qmul,
	}, nil
}
