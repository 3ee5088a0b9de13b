// Package venues implements one adapter per derivatives venue behind a
// uniform capability set: symbol normalization, ticker/funding/orderbook/
// catalog reads and the shared liquidity check.
package venues

import (
	"context"

	"github.com/sogdian/perparb/internal/market"
)

// Venue ids as used in operator input, config and logs.
const (
	Bybit   = "bybit"
	Gate    = "gate"
	Mexc    = "mexc"
	XT      = "xt"
	Binance = "binance"
	Bitget  = "bitget"
	OKX     = "okx"
	BingX   = "bingx"
	LBank   = "lbank"
)

// Exchange is the capability set every adapter provides. Getters return a
// typed *transport.Error; a NotFound kind means the symbol is simply not
// listed and is not an error for scanners.
type Exchange interface {
	Venue() string
	NormalizeSymbol(coin string) string
	FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error)
	FundingRate(ctx context.Context, coin string) (*float64, error)
	Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error)
	AllFuturesCoins(ctx context.Context) (map[string]struct{}, error)
	CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error)
	Close()
}

// FundingInfoProvider is implemented by venues that expose the next funding
// timestamp alongside the rate.
type FundingInfoProvider interface {
	FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error)
}

// bookSource is the slice of Exchange the shared liquidity check needs.
type bookSource interface {
	NormalizeSymbol(coin string) string
	Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error)
}

// checkLiquidity fetches the book and runs the VWAP-for-notional
// assessment; every adapter's CheckLiquidity delegates here.
func checkLiquidity(
	ctx context.Context,
	src bookSource,
	coin string,
	notionalUSDT float64,
	depth int,
	maxSpreadBps, maxImpactBps float64,
	mode market.LiquidityMode,
) (*market.LiquidityReport, error) {
	ob, err := src.Orderbook(ctx, coin, depth)
	if err != nil {
		return nil, err
	}
	rep := market.AssessLiquidity(ob, upper(coin), src.NormalizeSymbol(coin), notionalUSDT, maxSpreadBps, maxImpactBps, mode)
	return rep, nil
}

// FundingInfoOf reads funding info from ex, synthesizing one from the plain
// rate when the venue lacks a FundingInfo endpoint.
func FundingInfoOf(ctx context.Context, ex Exchange, coin string) (*market.FundingInfo, error) {
	if fp, ok := ex.(FundingInfoProvider); ok {
		return fp.FundingInfo(ctx, coin)
	}
	rate, err := ex.FundingRate(ctx, coin)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return nil, nil
	}
	return &market.FundingInfo{Rate: *rate}, nil
}
