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

// BinanceExchange talks to Binance USDT-M futures (fapi v1). Successful
// responses on these endpoints carry no "code" key; its presence means an
// API error such as {"code":-1121,"msg":"Invalid symbol."}.
type BinanceExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewBinance(o Options) *BinanceExchange {
	return &BinanceExchange{
		http: transport.New(transport.Config{
			Venue:          Binance,
			BaseURL:        o.baseURL(Binance, "https://fapi.binance.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", Binance).Logger(),
	}
}

func (e *BinanceExchange) Venue() string { return Binance }
func (e *BinanceExchange) Close()        { e.http.Close() }

func (e *BinanceExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "USDT"
}

func (e *BinanceExchange) apiError(m map[string]json.RawMessage) *transport.Error {
	code, hasCode := m["code"]
	if !hasCode {
		return nil
	}
	var msg string
	if v, ok := m["msg"]; ok {
		json.Unmarshal(v, &msg)
	}
	kind := transport.ProtocolError
	if strings.Contains(strings.ToLower(msg), "invalid symbol") {
		kind = transport.NotFound
	}
	return &transport.Error{Kind: kind, Venue: Binance, Code: strings.Trim(string(code), `"`), Msg: msg}
}

func (e *BinanceExchange) getObj(ctx context.Context, path string, params url.Values) (map[string]json.RawMessage, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	m := objMap(raw)
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Binance, Msg: "unexpected shape"}
	}
	if apiErr := e.apiError(m); apiErr != nil {
		if apiErr.Kind == transport.NotFound {
			e.log.Debug().Str("code", apiErr.Code).Str("msg", apiErr.Msg).Msg("symbol not found")
		}
		return nil, apiErr
	}
	return m, nil
}

func (e *BinanceExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	m, err := e.getObj(ctx, "/fapi/v1/ticker/24hr", params)
	if err != nil {
		return nil, err
	}
	last, ok := firstNum(m, "lastPrice")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Binance, Msg: "no lastPrice"}
	}
	bid, _ := firstNum(m, "bidPrice")
	ask, _ := firstNum(m, "askPrice")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *BinanceExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	info, err := e.FundingInfo(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &info.Rate, nil
}

func (e *BinanceExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	m, err := e.getObj(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, err
	}
	rate, ok := firstNum(m, "lastFundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Binance, Msg: "no lastFundingRate"}
	}
	info := &market.FundingInfo{Rate: rate}
	if v, ok := firstOf(m, "nextFundingTime"); ok {
		if ts, ok2 := intOf(v); ok2 && ts > 0 {
			info.NextFundingTime = &ts
		}
	}
	return info, nil
}

func (e *BinanceExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	if depth < 5 {
		depth = 5
	} else if depth > 1000 {
		depth = 1000
	}
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("limit", fmt.Sprint(depth))
	m, err := e.getObj(ctx, "/fapi/v1/depth", params)
	if err != nil {
		return nil, err
	}
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Binance, Msg: "empty orderbook"}
	}
	return ob, nil
}

// AllFuturesCoins keeps TRADING USDT-quoted perpetuals from exchangeInfo.
func (e *BinanceExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	raw, err := e.http.GetJSON(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			ContractType string `json:"contractType"`
			QuoteAsset   string `json:"quoteAsset"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Binance, Err: err}
	}
	coins := make(map[string]struct{}, len(payload.Symbols))
	for _, it := range payload.Symbols {
		if it.ContractType != "PERPETUAL" || it.QuoteAsset != "USDT" || it.Status != "TRADING" {
			continue
		}
		if strings.HasSuffix(it.Symbol, "USDT") {
			coins[strings.ToUpper(strings.TrimSuffix(it.Symbol, "USDT"))] = struct{}{}
		}
	}
	return coins, nil
}

func (e *BinanceExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
