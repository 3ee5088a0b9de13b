package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/transport"
)

const (
	lbankProductGroup        = "SwapU"
	lbankInstrumentsCacheTTL = 5 * time.Minute
)

// LBankExchange talks to LBank's perpetual API on its dedicated domain.
// Symbols are resolved against a 5-minute instrument catalog cache, and
// orderbooks come from marketOrder because the depth endpoint sits behind
// Cloudflare.
type LBankExchange struct {
	http *transport.Client
	log  zerolog.Logger

	mu          sync.Mutex
	instruments []map[string]json.RawMessage
	fetchedAt   time.Time
}

func NewLBank(o Options) *LBankExchange {
	return &LBankExchange{
		http: transport.New(transport.Config{
			Venue:          LBank,
			BaseURL:        o.baseURL(LBank, "https://lbkperp.lbank.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
			// Browser-ish headers keep the CF heuristics quiet.
			UserAgent: "Mozilla/5.0",
			Headers: map[string]string{
				"Accept":  "application/json,text/plain,*/*",
				"Referer": "https://www.lbank.com/",
				"Origin":  "https://www.lbank.com",
			},
		}, o.Logger),
		log: o.Logger.With().Str("venue", LBank).Logger(),
	}
}

func (e *LBankExchange) Venue() string { return LBank }
func (e *LBankExchange) Close()        { e.http.Close() }

func (e *LBankExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "USDT"
}

type lbankEnvelope struct {
	Success   *bool           `json:"success"`
	ErrorCode json.RawMessage `json:"error_code"`
	Msg       string          `json:"msg"`
	Data      json.RawMessage `json:"data"`
	Result    json.RawMessage `json:"result"`
}

func (e *LBankExchange) get(ctx context.Context, path string, params url.Values) (*lbankEnvelope, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env lbankEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: LBank, Err: err}
	}
	if env.Success != nil && !*env.Success {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: LBank, Code: strings.Trim(string(env.ErrorCode), `"`), Msg: env.Msg}
	}
	if code := strings.Trim(string(env.ErrorCode), `"`); code != "" && code != "0" && code != "null" {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: LBank, Code: code, Msg: env.Msg}
	}
	return &env, nil
}

// instrumentsCached returns the catalog, refreshing it when the 5-minute
// TTL expired. A stale catalog is reused on refresh failure.
func (e *LBankExchange) instrumentsCached(ctx context.Context) []map[string]json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instruments != nil && time.Since(e.fetchedAt) < lbankInstrumentsCacheTTL {
		return e.instruments
	}
	params := url.Values{}
	params.Set("productGroup", lbankProductGroup)
	env, err := e.get(ctx, "/cfd/openApi/v1/pub/instrument", params)
	if err != nil {
		e.log.Debug().Err(err).Msg("instrument catalog refresh failed")
		return e.instruments
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &items); err != nil || len(items) == 0 {
		return e.instruments
	}
	e.instruments = items
	e.fetchedAt = time.Now()
	return e.instruments
}

// ResolveSymbol maps a coin onto the exact catalog symbol by canonical
// comparison, falling back to plain normalization when the catalog is
// unavailable.
func (e *LBankExchange) ResolveSymbol(ctx context.Context, coin string) string {
	symbol := e.NormalizeSymbol(coin)
	want := canonSymbol(symbol)
	for _, inst := range e.instrumentsCached(ctx) {
		sym, ok := firstOf(inst, "symbol", "instrumentId", "instrument_id")
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(sym, &s) != nil || s == "" {
			continue
		}
		if canonSymbol(s) == want {
			return s
		}
	}
	return symbol
}

// pickMarketItem selects the payload entry whose symbol canonically equals
// symbol; marketData returns either a single object or the whole list.
func (e *LBankExchange) pickMarketItem(env *lbankEnvelope, symbol string) map[string]json.RawMessage {
	payload := env.Data
	if len(payload) == 0 {
		payload = env.Result
	}
	if len(payload) == 0 {
		return nil
	}
	want := canonSymbol(symbol)
	if m := objMap(payload); m != nil {
		var s string
		if v, ok := m["symbol"]; ok {
			json.Unmarshal(v, &s)
		}
		if canonSymbol(s) == want {
			return m
		}
		return nil
	}
	var arr []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil {
		return nil
	}
	for _, m := range arr {
		var s string
		if v, ok := m["symbol"]; ok {
			json.Unmarshal(v, &s)
		}
		if canonSymbol(s) == want {
			return m
		}
	}
	return nil
}

func (e *LBankExchange) marketItem(ctx context.Context, coin string) (map[string]json.RawMessage, string, error) {
	symbol := e.ResolveSymbol(ctx, coin)

	params := url.Values{}
	params.Set("productGroup", lbankProductGroup)
	params.Set("symbol", symbol)
	env, err := e.get(ctx, "/cfd/openApi/v1/pub/marketData", params)
	if err == nil {
		if item := e.pickMarketItem(env, symbol); item != nil {
			return item, symbol, nil
		}
	} else if transport.KindOf(err) == transport.WAFBlocked || transport.KindOf(err) == transport.RateLimited {
		return nil, symbol, err
	}

	// Fallback: full list, exact canonical match.
	params = url.Values{}
	params.Set("productGroup", lbankProductGroup)
	env, err = e.get(ctx, "/cfd/openApi/v1/pub/marketData", params)
	if err != nil {
		return nil, symbol, err
	}
	if item := e.pickMarketItem(env, symbol); item != nil {
		return item, symbol, nil
	}
	return nil, symbol, &transport.Error{Kind: transport.NotFound, Venue: LBank, Msg: "symbol not in marketData"}
}

func (e *LBankExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	item, _, err := e.marketItem(ctx, coin)
	if err != nil {
		return nil, err
	}
	// markPrice is deliberately not a last-price candidate.
	last, ok := firstNum(item, "lastPrice", "last", "close", "price", "latestPrice")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: LBank, Msg: "no last price"}
	}
	bid, _ := firstNum(item, "bidPrice", "bid1", "bid", "bestBid", "buy")
	ask, _ := firstNum(item, "askPrice", "ask1", "ask", "bestAsk", "sell")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *LBankExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	item, _, err := e.marketItem(ctx, coin)
	if err != nil {
		return nil, err
	}
	rate, ok := firstNum(item, "fundingRate", "positionFeeRate", "rate", "r", "funding_rate", "fundRate", "fund_rate")
	if !ok {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: LBank, Msg: "no funding rate field"}
	}
	return &rate, nil
}

// Orderbook reads marketOrder; levels arrive as {"price","volume","orders"}
// objects and are normalized and truncated to depth.
func (e *LBankExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	symbol := e.ResolveSymbol(ctx, coin)
	if depth < 1 {
		depth = 1
	} else if depth > 200 {
		depth = 200
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("depth", fmt.Sprint(depth))
	raw, err := e.http.Do(ctx, http.MethodGet, "/cfd/openApi/v1/pub/marketOrder", params, nil, nil)
	if err != nil {
		return nil, err
	}
	var env lbankEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: LBank, Err: err}
	}
	m := objMap(env.Data)
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: LBank, Msg: "orderbook payload not an object"}
	}
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: LBank, Msg: "empty orderbook"}
	}
	return ob, nil
}

func (e *LBankExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	items := e.instrumentsCached(ctx)
	coins := make(map[string]struct{}, len(items))
	for _, inst := range items {
		sym, ok := firstOf(inst, "symbol", "instrumentId", "instrument_id")
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(sym, &s) != nil {
			continue
		}
		canon := canonSymbol(s)
		if strings.HasSuffix(canon, "USDT") {
			if coin := strings.TrimSuffix(canon, "USDT"); coin != "" {
				coins[coin] = struct{}{}
			}
		}
	}
	return coins, nil
}

func (e *LBankExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
