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

// BingX code 109425 means the instrument does not exist; 109415 means it
// exists but trading is paused. Both are "not available" for the scanner.
var bingxUnavailableCodes = map[int64]struct{}{109425: {}, 109415: {}}

// BingXExchange talks to BingX swap v2 quote endpoints.
type BingXExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewBingX(o Options) *BingXExchange {
	return &BingXExchange{
		http: transport.New(transport.Config{
			Venue:          BingX,
			BaseURL:        o.baseURL(BingX, "https://open-api.bingx.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", BingX).Logger(),
	}
}

func (e *BingXExchange) Venue() string { return BingX }
func (e *BingXExchange) Close()        { e.http.Close() }

func (e *BingXExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "-USDT"
}

// getData unwraps the {code, msg, data} envelope; data may arrive as an
// object or a single-element array.
func (e *BingXExchange) getData(ctx context.Context, path string, params url.Values) (map[string]json.RawMessage, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code json.RawMessage `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: BingX, Err: err}
	}
	if code, ok := intOf(env.Code); ok && code != 0 {
		if _, unavailable := bingxUnavailableCodes[code]; unavailable {
			e.log.Debug().Int64("code", code).Str("msg", env.Msg).Str("path", path).Msg("instrument unavailable")
			return nil, &transport.Error{Kind: transport.NotFound, Venue: BingX, Code: fmt.Sprint(code), Msg: env.Msg}
		}
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: BingX, Code: fmt.Sprint(code), Msg: env.Msg}
	}
	if m := objMap(env.Data); m != nil {
		return m, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(env.Data, &arr); err == nil && len(arr) > 0 {
		if m := objMap(arr[0]); m != nil {
			return m, nil
		}
	}
	return nil, &transport.Error{Kind: transport.NotFound, Venue: BingX, Msg: "empty data"}
}

func (e *BingXExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	m, err := e.getData(ctx, "/openApi/swap/v2/quote/ticker", params)
	if err != nil {
		return nil, err
	}
	last, ok := firstNum(m, "lastPrice", "last")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: BingX, Msg: "no last price"}
	}
	bid, _ := firstNum(m, "bidPrice", "bid")
	ask, _ := firstNum(m, "askPrice", "ask")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *BingXExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	info, err := e.FundingInfo(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &info.Rate, nil
}

func (e *BingXExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	m, err := e.getData(ctx, "/openApi/swap/v2/quote/premiumIndex", params)
	if err != nil {
		return nil, err
	}
	rate, ok := firstNum(m, "lastFundingRate", "fundingRate", "fundingRateNext", "nextFundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: BingX, Msg: "no funding rate field"}
	}
	info := &market.FundingInfo{Rate: rate}
	if v, ok := firstOf(m, "nextFundingTime"); ok {
		if ts, ok2 := intOf(v); ok2 && ts > 0 {
			info.NextFundingTime = &ts
		}
	}
	return info, nil
}

func (e *BingXExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	if depth < 5 {
		depth = 5
	} else if depth > 200 {
		depth = 200
	}
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("limit", fmt.Sprint(depth))
	m, err := e.getData(ctx, "/openApi/swap/v2/quote/depth", params)
	if err != nil {
		return nil, err
	}
	bids, _ := firstOf(m, "bids", "buy", "b")
	asks, _ := firstOf(m, "asks", "sell", "a")
	ob := market.NormalizeBook(decodeLevels(bids), decodeLevels(asks), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: BingX, Msg: "empty orderbook"}
	}
	return ob, nil
}

func (e *BingXExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	raw, err := e.http.GetJSON(ctx, "/openApi/swap/v2/quote/contracts", nil)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code json.RawMessage `json:"code"`
		Data []struct {
			Symbol string `json:"symbol"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: BingX, Err: err}
	}
	if code, ok := intOf(env.Code); ok && code != 0 {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: BingX, Code: fmt.Sprint(code)}
	}
	coins := make(map[string]struct{}, len(env.Data))
	for _, it := range env.Data {
		if strings.HasSuffix(it.Symbol, "-USDT") {
			coins[strings.ToUpper(strings.TrimSuffix(it.Symbol, "-USDT"))] = struct{}{}
		}
	}
	return coins, nil
}

func (e *BingXExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
