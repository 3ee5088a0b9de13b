package market

import (
	"fmt"
)

// AssessLiquidity runs the VWAP-for-notional check against a canonical book.
// The caller supplies coin/symbol for the report; mode selects which sides
// must have sufficient depth. Returns nil when the book has no top of book.
func AssessLiquidity(
	ob *OrderBook,
	coin, symbol string,
	notionalUSDT float64,
	maxSpreadBps, maxImpactBps float64,
	mode LiquidityMode,
) *LiquidityReport {
	if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return nil
	}
	bid1 := ob.Bids[0].Price
	ask1 := ob.Asks[0].Price
	if bid1 <= 0 || ask1 <= 0 {
		return nil
	}
	mid := (bid1 + ask1) / 2
	if mid <= 0 {
		return nil
	}
	spreadBps := (ask1 - bid1) / mid * 10_000

	if !mode.Valid() {
		mode = Roundtrip
	}

	// Zero notional needs no depth: trivially ok.
	if notionalUSDT <= 0 {
		return &LiquidityReport{
			Coin:      coin,
			Symbol:    symbol,
			Mid:       mid,
			Bid1:      bid1,
			Ask1:      ask1,
			SpreadBps: spreadBps,
			OK:        true,
		}
	}

	// Buy consumes asks (entering a long at market), sell consumes bids.
	buyVWAP, buyFilled := VWAPForNotional(ob.Asks, notionalUSDT)
	sellVWAP, sellFilled := VWAPForNotional(ob.Bids, notionalUSDT)

	var enoughDepth bool
	switch mode {
	case EntryLong:
		enoughDepth = buyVWAP != nil
	case EntryShort:
		enoughDepth = sellVWAP != nil
	default:
		enoughDepth = buyVWAP != nil && sellVWAP != nil
	}

	var buyImpact, sellImpact *float64
	if buyVWAP != nil {
		v := abs(*buyVWAP-ask1) / mid * 10_000
		buyImpact = &v
	}
	if sellVWAP != nil {
		v := abs(bid1-*sellVWAP) / mid * 10_000
		sellImpact = &v
	}

	ok := true
	var reasons []string
	if spreadBps > maxSpreadBps {
		ok = false
		reasons = append(reasons, fmt.Sprintf("ask1: %g bid1: %g spread %.1f bps > %.1f", ask1, bid1, spreadBps, maxSpreadBps))
	}
	if !enoughDepth {
		ok = false
		switch mode {
		case EntryLong:
			reasons = append(reasons, fmt.Sprintf("not enough depth for %g USDT (buy_filled=%.2f)", notionalUSDT, buyFilled))
		case EntryShort:
			reasons = append(reasons, fmt.Sprintf("not enough depth for %g USDT (sell_filled=%.2f)", notionalUSDT, sellFilled))
		default:
			reasons = append(reasons, fmt.Sprintf("not enough depth for %g USDT (buy_filled=%.2f, sell_filled=%.2f)", notionalUSDT, buyFilled, sellFilled))
		}
	} else {
		if (mode == EntryLong || mode == Roundtrip) && buyImpact != nil && *buyImpact > maxImpactBps {
			ok = false
			reasons = append(reasons, fmt.Sprintf("buy impact %.1f bps > %.1f", *buyImpact, maxImpactBps))
		}
		if (mode == EntryShort || mode == Roundtrip) && sellImpact != nil && *sellImpact > maxImpactBps {
			ok = false
			reasons = append(reasons, fmt.Sprintf("sell impact %.1f bps > %.1f", *sellImpact, maxImpactBps))
		}
	}

	return &LiquidityReport{
		Coin:          coin,
		Symbol:        symbol,
		Mid:           mid,
		Bid1:          bid1,
		Ask1:          ask1,
		SpreadBps:     spreadBps,
		NotionalUSDT:  notionalUSDT,
		BuyVWAP:       buyVWAP,
		SellVWAP:      sellVWAP,
		BuyImpactBps:  buyImpact,
		SellImpactBps: sellImpact,
		OK:            ok,
		Reasons:       reasons,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
