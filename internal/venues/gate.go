package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/transport"
)

// GateExchange talks to Gate.io futures v4 (USDT settle).
type GateExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewGate(o Options) *GateExchange {
	return &GateExchange{
		http: transport.New(transport.Config{
			Venue:          Gate,
			BaseURL:        o.baseURL(Gate, "https://api.gateio.ws"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", Gate).Logger(),
	}
}

func (e *GateExchange) Venue() string { return Gate }
func (e *GateExchange) Close()        { e.http.Close() }

// Client exposes the pooled transport for private signed requests.
func (e *GateExchange) Client() *transport.Client { return e.http }

func (e *GateExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "_USDT"
}

func (e *GateExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	symbol := e.NormalizeSymbol(coin)
	params := url.Values{}
	params.Set("contract", symbol)
	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/tickers", params)
	if err != nil {
		return nil, err
	}

	var item map[string]json.RawMessage
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, it := range arr {
			var c string
			if v, ok := it["contract"]; ok {
				json.Unmarshal(v, &c)
			}
			if c == symbol {
				item = it
				break
			}
		}
		if item == nil && len(arr) > 0 {
			item = arr[0]
		}
	} else {
		item = objMap(raw)
	}
	if item == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "ticker not found"}
	}

	last, ok := firstNum(item, "last")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "no last price"}
	}
	bid, _ := firstNum(item, "bid", "highest_bid")
	ask, _ := firstNum(item, "ask", "lowest_ask")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

// FundingRate prefers the contract's current rate and falls back to the
// funding history (previous applied rate).
func (e *GateExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	symbol := e.NormalizeSymbol(coin)

	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/contracts/"+symbol, nil)
	if err == nil {
		if m := objMap(raw); m != nil {
			if r, ok := firstNum(m, "funding_rate", "funding_rate_indicative"); ok {
				return &r, nil
			}
		}
	} else if transport.KindOf(err) != transport.ProtocolError && transport.KindOf(err) != transport.NotFound {
		return nil, err
	}

	params := url.Values{}
	params.Set("contract", symbol)
	params.Set("limit", "1")
	raw, err = e.http.GetJSON(ctx, "/api/v4/futures/usdt/funding_rate", params)
	if err != nil {
		return nil, err
	}
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		if r, ok := firstNum(arr[0], "r", "funding_rate", "rate"); ok {
			return &r, nil
		}
	}
	return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "no funding rate"}
}

// FundingInfo combines the contract's current rate with its next funding
// time when exposed.
func (e *GateExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	symbol := e.NormalizeSymbol(coin)
	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/contracts/"+symbol, nil)
	if err != nil {
		return nil, err
	}
	m := objMap(raw)
	if m == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "contract not found"}
	}
	rate, ok := firstNum(m, "funding_rate", "funding_rate_indicative")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "no funding rate"}
	}
	info := &market.FundingInfo{Rate: rate}
	if v, ok := firstOf(m, "funding_next_apply"); ok {
		if ts, ok2 := intOf(v); ok2 && ts > 0 {
			info.NextFundingTime = &ts
		}
	}
	return info, nil
}

func (e *GateExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	symbol := e.NormalizeSymbol(coin)
	if depth < 1 {
		depth = 1
	} else if depth > 200 {
		depth = 200
	}
	params := url.Values{}
	params.Set("contract", symbol)
	params.Set("limit", fmt.Sprint(depth))
	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/order_book", params)
	if err != nil {
		return nil, err
	}
	m := objMap(raw)
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Gate, Msg: "unexpected orderbook shape"}
	}
	// Gate mixes [[p,s],...] and [{"p":..,"s":..},...] level forms.
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "empty orderbook"}
	}
	return ob, nil
}

// ContractInfo returns the raw contract descriptor used by the execution
// engine (quanto multiplier, min order size).
func (e *GateExchange) ContractInfo(ctx context.Context, coin string) (*market.Instrument, error) {
	symbol := e.NormalizeSymbol(coin)
	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/contracts/"+symbol, nil)
	if err != nil {
		return nil, err
	}
	m := objMap(raw)
	if m == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Gate, Msg: "contract not found"}
	}
	inst := &market.Instrument{Symbol: symbol, QuoteCoin: "USDT", SettleCoin: "USDT"}
	if v, ok := firstOf(m, "quanto_multiplier", "contract_size", "multiplier"); ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			inst.QuantoMultiplier = s
		} else {
			inst.QuantoMultiplier = strings.Trim(string(v), `"`)
		}
	}
	if v, ok := firstNum(m, "order_size_min"); ok {
		inst.MinOrderQty = fmt.Sprint(int64(v))
	}
	if v, ok := firstOf(m, "order_price_round"); ok {
		inst.TickSize = strings.Trim(string(v), `"`)
	}
	return inst, nil
}

// AllFuturesCoins lists tradable USDT contracts, skipping pairs flagged as
// in delisting.
func (e *GateExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	raw, err := e.http.GetJSON(ctx, "/api/v4/futures/usdt/contracts", nil)
	if err != nil {
		return nil, err
	}
	var arr []struct {
		Name        string `json:"name"`
		InDelisting bool   `json:"in_delisting"`
		TradeStatus string `json:"trade_status"`
	}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Gate, Err: err}
	}
	coins := make(map[string]struct{}, len(arr))
	for _, it := range arr {
		if !strings.HasSuffix(it.Name, "_USDT") || it.InDelisting {
			continue
		}
		if ts := strings.ToLower(it.TradeStatus); ts != "" && ts != "tradable" && ts != "trading" {
			continue
		}
		coins[strings.ToUpper(strings.TrimSuffix(it.Name, "_USDT"))] = struct{}{}
	}
	return coins, nil
}

func (e *GateExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
