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

// XTExchange talks to XT.com futures. Symbols are lower-case coin_usdt and
// market endpoints answer with returnCode 0 on success; the cg orderbook
// endpoint returns the book without an envelope.
type XTExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewXT(o Options) *XTExchange {
	return &XTExchange{
		http: transport.New(transport.Config{
			Venue:          XT,
			BaseURL:        o.baseURL(XT, "https://fapi.xt.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", XT).Logger(),
	}
}

func (e *XTExchange) Venue() string { return XT }
func (e *XTExchange) Close()        { e.http.Close() }

func (e *XTExchange) NormalizeSymbol(coin string) string {
	return strings.ToLower(upper(coin)) + "_usdt"
}

func (e *XTExchange) getResult(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env struct {
		ReturnCode int             `json:"returnCode"`
		MsgInfo    string          `json:"msgInfo"`
		Result     json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: XT, Err: err}
	}
	if env.ReturnCode != 0 {
		e.log.Debug().Int("returnCode", env.ReturnCode).Str("msg", env.MsgInfo).Str("path", path).Msg("api error")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Code: fmt.Sprint(env.ReturnCode), Msg: env.MsgInfo}
	}
	return env.Result, nil
}

func (e *XTExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	result, err := e.getResult(ctx, "/future/market/v1/public/q/ticker", params)
	if err != nil {
		return nil, err
	}
	m := objMap(result)
	if m == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "ticker not found"}
	}
	// XT ticker fields: c = last, b = bid, a = ask.
	last, ok := firstNum(m, "c")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "no last price"}
	}
	bid, _ := firstNum(m, "b")
	ask, _ := firstNum(m, "a")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *XTExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	result, err := e.getResult(ctx, "/future/market/v1/public/q/funding-rate", params)
	if err != nil {
		return nil, err
	}
	m := objMap(result)
	if m == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "funding not found"}
	}
	rate, ok := firstNum(m, "fundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "no fundingRate"}
	}
	return &rate, nil
}

func (e *XTExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	result, err := e.getResult(ctx, "/future/market/v1/public/q/funding-rate", params)
	if err != nil {
		return nil, err
	}
	m := objMap(result)
	if m == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "funding not found"}
	}
	rate, ok := firstNum(m, "fundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "no fundingRate"}
	}
	info := &market.FundingInfo{Rate: rate}
	if v, ok := firstOf(m, "nextCollectionTime", "collectionTime"); ok {
		if ts, ok2 := intOf(v); ok2 && ts > 0 {
			info.NextFundingTime = &ts
		}
	}
	return info, nil
}

// Orderbook uses the cg endpoint; the depth endpoint needs signing and the
// cg one answers plain {"bids":[["p","s"],...],"asks":[...]}.
func (e *XTExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	if depth < 1 {
		depth = 1
	} else if depth > 200 {
		depth = 200
	}
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("level", fmt.Sprint(depth))
	raw, err := e.http.GetJSON(ctx, "/future/market/v1/public/cg/orderbook", params)
	if err != nil {
		return nil, err
	}
	m := objMap(raw)
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: XT, Msg: "unexpected orderbook shape"}
	}
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: XT, Msg: "empty orderbook"}
	}
	return ob, nil
}

func (e *XTExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	result, err := e.getResult(ctx, "/future/market/v1/public/q/instruments", nil)
	if err != nil {
		return nil, err
	}
	var items []struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: XT, Err: err}
	}
	coins := make(map[string]struct{}, len(items))
	for _, it := range items {
		if strings.HasSuffix(it.Symbol, "_usdt") {
			coin := strings.ToUpper(strings.TrimSuffix(it.Symbol, "_usdt"))
			if coin != "" {
				coins[coin] = struct{}{}
			}
		}
	}
	return coins, nil
}

func (e *XTExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
