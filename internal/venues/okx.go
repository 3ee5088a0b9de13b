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

// OKXExchange talks to OKX v5 (SWAP instruments). Success responses carry
// code "0" and a data array; any other code means the instrument is not
// available.
type OKXExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewOKX(o Options) *OKXExchange {
	return &OKXExchange{
		http: transport.New(transport.Config{
			Venue:          OKX,
			BaseURL:        o.baseURL(OKX, "https://www.okx.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", OKX).Logger(),
	}
}

func (e *OKXExchange) Venue() string { return OKX }
func (e *OKXExchange) Close()        { e.http.Close() }

func (e *OKXExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "-USDT-SWAP"
}

// getData unwraps the {code, msg, data[]} envelope and returns the first
// data object.
func (e *OKXExchange) getData(ctx context.Context, path string, params url.Values) (map[string]json.RawMessage, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: OKX, Err: err}
	}
	if env.Code != "" && env.Code != "0" {
		e.log.Debug().Str("code", env.Code).Str("msg", env.Msg).Str("path", path).Msg("instrument not available")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: OKX, Code: env.Code, Msg: env.Msg}
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(env.Data, &arr); err != nil || len(arr) == 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: OKX, Msg: "empty data"}
	}
	m := objMap(arr[0])
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: OKX, Msg: "unexpected data item"}
	}
	return m, nil
}

func (e *OKXExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	params := url.Values{}
	params.Set("instId", e.NormalizeSymbol(coin))
	m, err := e.getData(ctx, "/api/v5/market/ticker", params)
	if err != nil {
		return nil, err
	}
	last, ok := firstNum(m, "last")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: OKX, Msg: "no last price"}
	}
	bid, _ := firstNum(m, "bidPx")
	ask, _ := firstNum(m, "askPx")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *OKXExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	info, err := e.FundingInfo(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &info.Rate, nil
}

// FundingInfo returns the current rate and next funding time. OKX sometimes
// omits nextFundingTime on the funding endpoint; the ticker payload is
// scanned as a fallback and the value stays nil when neither exposes it —
// it is never synthesized from a schedule.
func (e *OKXExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	params := url.Values{}
	params.Set("instId", e.NormalizeSymbol(coin))
	m, err := e.getData(ctx, "/api/v5/public/funding-rate", params)
	if err != nil {
		return nil, err
	}
	rate, ok := firstNum(m, "fundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: OKX, Msg: "no fundingRate"}
	}
	info := &market.FundingInfo{Rate: rate}
	if v, ok := firstOf(m, "nextFundingTime"); ok {
		if ts, ok2 := intOf(v); ok2 && ts > 0 {
			info.NextFundingTime = &ts
		}
	}
	if info.NextFundingTime == nil {
		if tm, err2 := e.getData(ctx, "/api/v5/market/ticker", params); err2 == nil {
			for _, field := range []string{"nextFundingTime", "nextFundingTimeMs", "fundingTime", "nextFunding", "nextSettleTime", "settleTime"} {
				if v, ok := firstOf(tm, field); ok {
					if ts, ok2 := intOf(v); ok2 && ts > 0 {
						info.NextFundingTime = &ts
						break
					}
				}
			}
		}
	}
	return info, nil
}

func (e *OKXExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	if depth < 1 {
		depth = 1
	} else if depth > 400 {
		depth = 400
	}
	params := url.Values{}
	params.Set("instId", e.NormalizeSymbol(coin))
	params.Set("sz", fmt.Sprint(depth))
	m, err := e.getData(ctx, "/api/v5/market/books", params)
	if err != nil {
		return nil, err
	}
	// OKX levels carry extra columns ([price, size, liqOrders, numOrders]);
	// the decoder keeps the first two.
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: OKX, Msg: "empty orderbook"}
	}
	return ob, nil
}

// AllFuturesCoins lists USDT-settled SWAP instruments.
func (e *OKXExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	params := url.Values{}
	params.Set("instType", "SWAP")
	raw, err := e.http.GetJSON(ctx, "/api/v5/public/instruments", params)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code string `json:"code"`
		Data []struct {
			InstID    string `json:"instId"`
			SettleCcy string `json:"settleCcy"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Code != "0" {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: OKX, Msg: "instrument list unavailable"}
	}
	coins := make(map[string]struct{}, len(env.Data))
	for _, it := range env.Data {
		if it.SettleCcy != "USDT" || !strings.HasSuffix(it.InstID, "-USDT-SWAP") {
			continue
		}
		coins[strings.ToUpper(strings.SplitN(it.InstID, "-", 2)[0])] = struct{}{}
	}
	return coins, nil
}

func (e *OKXExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
