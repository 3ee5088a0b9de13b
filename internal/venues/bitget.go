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

// bitgetProductType selects USDT-M perpetuals on the mix API.
const bitgetProductType = "umcbl"

// BitgetExchange talks to Bitget mix v1 market endpoints; success is
// code "00000".
type BitgetExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewBitget(o Options) *BitgetExchange {
	return &BitgetExchange{
		http: transport.New(transport.Config{
			Venue:          Bitget,
			BaseURL:        o.baseURL(Bitget, "https://api.bitget.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", Bitget).Logger(),
	}
}

func (e *BitgetExchange) Venue() string { return Bitget }
func (e *BitgetExchange) Close()        { e.http.Close() }

func (e *BitgetExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "USDT"
}

func (e *BitgetExchange) getData(ctx context.Context, path string, params url.Values) (map[string]json.RawMessage, error) {
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
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bitget, Err: err}
	}
	if env.Code != "" && env.Code != "00000" && env.Code != "0" {
		e.log.Debug().Str("code", env.Code).Str("msg", env.Msg).Str("path", path).Msg("api error")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bitget, Code: env.Code, Msg: env.Msg}
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
	return nil, &transport.Error{Kind: transport.NotFound, Venue: Bitget, Msg: "empty data"}
}

func (e *BitgetExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("productType", bitgetProductType)
	m, err := e.getData(ctx, "/api/mix/v1/market/ticker", params)
	if err != nil {
		return nil, err
	}
	last, ok := firstNum(m, "last")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bitget, Msg: "no last price"}
	}
	bid, _ := firstNum(m, "bestBid")
	ask, _ := firstNum(m, "bestAsk")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *BitgetExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("productType", bitgetProductType)
	m, err := e.getData(ctx, "/api/mix/v1/market/current-fundRate", params)
	if err != nil {
		return nil, err
	}
	rate, ok := firstNum(m, "fundingRate", "fundingRateRound")
	if !ok {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bitget, Msg: "no fundingRate field"}
	}
	return &rate, nil
}

func (e *BitgetExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	if depth < 1 {
		depth = 1
	} else if depth > 200 {
		depth = 200
	}
	params := url.Values{}
	params.Set("symbol", e.NormalizeSymbol(coin))
	params.Set("productType", bitgetProductType)
	params.Set("limit", fmt.Sprint(depth))
	m, err := e.getData(ctx, "/api/mix/v1/market/depth", params)
	if err != nil {
		return nil, err
	}
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bitget, Msg: "empty orderbook"}
	}
	return ob, nil
}

// AllFuturesCoins lists USDT-M contracts via the v2 catalog; symbols may
// carry an _UMCBL suffix.
func (e *BitgetExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	params := url.Values{}
	params.Set("productType", bitgetProductType)
	raw, err := e.http.GetJSON(ctx, "/api/v2/mix/market/contracts", params)
	if err != nil {
		return nil, err
	}
	var env struct {
		Code string `json:"code"`
		Data []struct {
			Symbol string `json:"symbol"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bitget, Err: err}
	}
	if env.Code != "" && env.Code != "00000" && env.Code != "0" {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bitget, Code: env.Code}
	}
	coins := make(map[string]struct{}, len(env.Data))
	for _, it := range env.Data {
		sym := strings.ToUpper(it.Symbol)
		sym = strings.TrimSuffix(sym, "_UMCBL")
		if strings.HasSuffix(sym, "USDT") {
			coins[strings.TrimSuffix(sym, "USDT")] = struct{}{}
		}
	}
	return coins, nil
}

func (e *BitgetExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
