package venues

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/transport"
)

// Codes meaning "no such instrument/ticker" on MEXC contract v1.
var mexcNotFoundCodes = map[int64]struct{}{510: {}, 1001: {}}

// Static alias fallback: UI coin -> API symbol, for contracts whose display
// ticker differs from the API symbol. The dynamic table loaded from
// contract/detail takes precedence.
var mexcStaticAliases = map[string]string{
	"AAPL": "AAPLSTOCK_USDT", "ACN": "ACNSTOCK_USDT", "ADBE": "ADBESTOCK_USDT",
	"AMAT": "AMATSTOCK_USDT", "AMD": "AMDSTOCK_USDT", "AMZN": "AMZNSTOCK_USDT",
	"APE": "APE_USDT", "APECOIN": "APE_USDT", "AIOZ": "AIOZ_USDT",
	"IRYS": "IRYS_USDT", "ARM": "ARMSTOCK_USDT", "ASML": "ASMLSTOCK_USDT",
	"AVGO": "AVGOSTOCK_USDT", "BA": "BASTOCK_USDT", "BABA": "BABASTOCK_USDT",
	"BAC": "BACSTOCK_USDT", "BOB": "BUILDONBOB_USDT", "CAT": "CATSTOCK_USDT",
	"COIN": "COINBASE_USDT", "COPPERXCU": "COPPER_USDT", "COST": "COSTSTOCK_USDT",
	"CRCL": "CRCLSTOCK_USDT", "CRM": "CRMSTOCK_USDT", "CSCO": "CSCOSTOCK_USDT",
	"FIG": "FIGSTOCK_USDT", "FIL": "FILECOIN_USDT", "FUN": "SPORTFUN_USDT",
	"FUNTOKEN": "FUN_USDT", "FUTU": "FUTUSTOCK_USDT", "GE": "GESTOCK_USDT",
	"GOLDPAXG": "PAXG_USDT", "GOLDXAUT": "XAUT_USDT", "GOOGL": "GOOGLSTOCK_USDT",
	"GS": "GSSTOCK_USDT", "HOOD": "ROBINHOOD_USDT", "IBM": "IBMSTOCK_USDT",
	"INTC": "INTCSTOCK_USDT", "JD": "JDSTOCK_USDT", "JNJ": "JNJSTOCK_USDT",
	"JPM": "JPMSTOCK_USDT", "LLY": "LLYSTOCK_USDT", "LRCX": "LRCXSTOCK_USDT",
	"LUNA": "LUNANEW_USDT", "MA": "MASTOCK_USDT", "MCD": "MCDSTOCK_USDT",
	"META": "METASTOCK_USDT", "MON": "MONAD_USDT", "MRVL": "MRVLSTOCK_USDT",
	"MSFT": "MSFTSTOCK_USDT", "MSTR": "MSTRSTOCK_USDT", "MU": "MUSTOCK_USDT",
	"NFLX": "NFLXSTOCK_USDT", "NKE": "NKESTOCK_USDT", "NOW": "NOWSTOCK_USDT",
	"NVDA": "NVIDIA_USDT", "OPEN": "OPENLEDGER_USDT", "ORCL": "ORCLSTOCK_USDT",
	"PALLADIUMXPD": "XPD_USDT", "PEP": "PEPSTOCK_USDT", "PLATINUMXPT": "XPT_USDT",
	"PLTR": "PLTRSTOCK_USDT", "PUMP": "PUMPFUN_USDT", "QCOM": "QCOMSTOCK_USDT",
	"QQQ": "QQQSTOCK_USDT", "RDDT": "RDDTSTOCK_USDT", "SILVERXAG": "SILVER_USDT",
	"SLEEPLESSAI": "AI_USDT", "SOON": "SOONNETWORK_USDT", "SP500": "SPX500_USDT",
	"TON": "TONCOIN_USDT", "TRUMP": "TRUMPOFFICIAL_USDT", "TSLA": "TESLA_USDT",
	"UBER": "UBERSTOCK_USDT", "UNH": "UNHSTOCK_USDT", "V": "VSTOCK_USDT",
	"WMT": "WMTSTOCK_USDT", "XEMPIRE": "X_USDT", "XOM": "XOMSTOCK_USDT",
	"ZK": "ZKSYNC_USDT",
	// displayName aliases where the API symbol is latinized
	"老子": "LAOZI_USDT", "黑马": "HEIMA_USDT",
	"我踏马来了": "WOTAMALAILE_USDT", "币安人生": "BIANRENSHENG_USDT",
}

// MexcExchange talks to MEXC contract v1 with a secondary-host failover.
// Per-symbol reads go through bulk ticker/funding caches (one request for
// all symbols per TTL) because hammering the per-symbol endpoints across a
// thousand coins triggers the WAF.
type MexcExchange struct {
	http *transport.Client
	log  zerolog.Logger

	aliasMu sync.Mutex
	aliases map[string]string // nil until first load

	tickerMu      sync.Mutex
	tickerCache   map[string]map[string]json.RawMessage
	tickerCacheAt time.Time
	tickerTTL     time.Duration

	fundingMu      sync.Mutex
	fundingCache   map[string]map[string]json.RawMessage
	fundingCacheAt time.Time
	fundingTTL     time.Duration
}

func NewMexc(o Options) *MexcExchange {
	reqTimeout := o.MexcRequestTimeout
	if reqTimeout == 0 {
		reqTimeout = 25 * time.Second
	}
	inflight := o.MexcMaxInflight
	if inflight == 0 {
		inflight = 5
	}
	tickerTTL := o.MexcTickerCacheTTL
	if tickerTTL == 0 {
		tickerTTL = 2 * time.Second
	}
	fundingTTL := o.MexcFundingCacheTTL
	if fundingTTL == 0 {
		fundingTTL = 5 * time.Second
	}
	return &MexcExchange{
		http: transport.New(transport.Config{
			Venue:          Mexc,
			BaseURL:        o.baseURL(Mexc, "https://contract.mexc.com"),
			FallbackURL:    o.baseURL("mexc-fallback", "https://futures.mexc.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: reqTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
			MaxInflight:    inflight,
			UserAgent:      "Mozilla/5.0 (compatible; perparb/1.0)",
			Headers:        map[string]string{"Accept": "application/json"},
		}, o.Logger),
		log:        o.Logger.With().Str("venue", Mexc).Logger(),
		tickerTTL:  tickerTTL,
		fundingTTL: fundingTTL,
	}
}

func (e *MexcExchange) Venue() string { return Mexc }
func (e *MexcExchange) Close()        { e.http.Close() }

// NormalizeSymbol applies alias resolution: dynamic table (contract/detail)
// first, static fallback second, plain COIN_USDT last.
func (e *MexcExchange) NormalizeSymbol(coin string) string {
	c := upper(coin)
	e.aliasMu.Lock()
	dyn := e.aliases
	e.aliasMu.Unlock()
	if dyn != nil {
		if sym, ok := dyn[c]; ok {
			return sym
		}
	}
	if sym, ok := mexcStaticAliases[c]; ok {
		return sym
	}
	return c + "_USDT"
}

type mexcEnvelope struct {
	Code   json.RawMessage `json:"code"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
}

// codeOf returns (code, present); MEXC emits it as number or string.
func (env *mexcEnvelope) codeOf() (int64, bool) {
	if len(env.Code) == 0 {
		return 0, false
	}
	return intOf(env.Code)
}

func (e *MexcExchange) get(ctx context.Context, path string, params url.Values) (*mexcEnvelope, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env mexcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Mexc, Err: err}
	}
	if code, ok := env.codeOf(); ok && code != 0 {
		if _, notFound := mexcNotFoundCodes[code]; notFound {
			e.log.Debug().Int64("code", code).Str("msg", env.Msg).Str("path", path).Msg("not found")
			return nil, &transport.Error{Kind: transport.NotFound, Venue: Mexc, Code: fmt.Sprint(code), Msg: env.Msg}
		}
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Mexc, Code: fmt.Sprint(code), Msg: env.Msg}
	}
	return &env, nil
}

// mexcCoinFromContract derives the UI coin and API symbol for one
// contract/detail entry. The coin comes from the display name when it
// carries one (contracts whose UI ticker differs from the API symbol, like
// SPORTFUN_USDT displayed as FUN_USDT), otherwise from the symbol base.
func mexcCoinFromContract(it map[string]json.RawMessage) (coin, symbol string) {
	var sym string
	if v, ok := it["symbol"]; ok {
		json.Unmarshal(v, &sym)
	}
	if !strings.HasSuffix(sym, "_USDT") {
		return "", ""
	}
	var disp string
	if v, ok := firstOf(it, "displayName", "display_name", "displayNameEn", "display_name_en"); ok {
		json.Unmarshal(v, &disp)
	}
	if disp != "" {
		up := strings.ToUpper(disp)
		if idx := strings.Index(up, "_USDT"); idx > 0 {
			cleaned := strings.Builder{}
			for _, ch := range strings.TrimSpace(up[:idx]) {
				if (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
					cleaned.WriteRune(ch)
				}
			}
			if cleaned.Len() > 0 {
				return cleaned.String(), sym
			}
		}
	}
	return strings.ToUpper(strings.TrimSuffix(sym, "_USDT")), sym
}

// ensureAliases loads the dynamic alias table once (or on force). Errors
// leave an empty table so lookups fall through to the static map.
func (e *MexcExchange) ensureAliases(ctx context.Context, force bool) {
	e.aliasMu.Lock()
	defer e.aliasMu.Unlock()
	if e.aliases != nil && !force {
		return
	}
	env, err := e.get(ctx, "/api/v1/contract/detail", nil)
	if err != nil {
		e.log.Debug().Err(err).Msg("alias load failed")
		e.aliases = map[string]string{}
		return
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &items); err != nil {
		e.aliases = map[string]string{}
		return
	}
	aliases := make(map[string]string)
	for _, it := range items {
		var sym, settle, state string
		if v, ok := it["symbol"]; ok {
			json.Unmarshal(v, &sym)
		}
		if !strings.HasSuffix(sym, "_USDT") {
			continue
		}
		if v, ok := it["settleCoin"]; ok {
			json.Unmarshal(v, &settle)
		}
		if strings.ToUpper(settle) != "USDT" {
			continue
		}
		if v, ok := it["state"]; ok {
			state = strings.Trim(string(v), `"`)
		}
		if state == "3" || state == "4" || state == "5" {
			continue
		}
		coin, symbol := mexcCoinFromContract(it)
		// Only contracts whose UI coin differs from the symbol base need an
		// alias; plain COIN_USDT resolves without one.
		if coin != "" && symbol != "" && coin+"_USDT" != strings.ToUpper(symbol) {
			aliases[coin] = symbol
		}
	}
	e.aliases = aliases
	e.log.Debug().Int("aliases", len(aliases)).Msg("alias table loaded")
}

func (e *MexcExchange) aliasesLoaded() bool {
	e.aliasMu.Lock()
	defer e.aliasMu.Unlock()
	return e.aliases != nil
}

// ensureTickerCache refreshes the bulk ticker cache when the TTL expired.
func (e *MexcExchange) ensureTickerCache(ctx context.Context) {
	e.tickerMu.Lock()
	defer e.tickerMu.Unlock()
	if len(e.tickerCache) > 0 && time.Since(e.tickerCacheAt) < e.tickerTTL {
		return
	}
	env, err := e.get(ctx, "/api/v1/contract/ticker", nil)
	if err != nil {
		return
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &items); err != nil || len(items) == 0 {
		return
	}
	cache := make(map[string]map[string]json.RawMessage, len(items))
	for _, it := range items {
		var sym string
		if v, ok := it["symbol"]; ok {
			json.Unmarshal(v, &sym)
		}
		if sym != "" {
			cache[canonSymbol(sym)] = it
		}
	}
	if len(cache) > 0 {
		e.tickerCache = cache
		e.tickerCacheAt = time.Now()
	}
}

func (e *MexcExchange) ensureFundingCache(ctx context.Context) {
	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()
	if len(e.fundingCache) > 0 && time.Since(e.fundingCacheAt) < e.fundingTTL {
		return
	}
	env, err := e.get(ctx, "/api/v1/contract/funding_rate", nil)
	if err != nil {
		return
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &items); err != nil || len(items) == 0 {
		return
	}
	cache := make(map[string]map[string]json.RawMessage, len(items))
	for _, it := range items {
		var sym string
		if v, ok := it["symbol"]; ok {
			json.Unmarshal(v, &sym)
		}
		if sym != "" {
			cache[canonSymbol(sym)] = it
		}
	}
	if len(cache) > 0 {
		e.fundingCache = cache
		e.fundingCacheAt = time.Now()
	}
}

func (e *MexcExchange) cachedTicker(symbol string) map[string]json.RawMessage {
	e.tickerMu.Lock()
	defer e.tickerMu.Unlock()
	return e.tickerCache[canonSymbol(symbol)]
}

func (e *MexcExchange) cachedFunding(symbol string) map[string]json.RawMessage {
	e.fundingMu.Lock()
	defer e.fundingMu.Unlock()
	return e.fundingCache[canonSymbol(symbol)]
}

func tickerFromItem(item map[string]json.RawMessage) *market.Ticker {
	last, ok := firstNum(item, "lastPrice", "last")
	if !ok || last <= 0 {
		return nil
	}
	bid, _ := firstNum(item, "bid1", "bid")
	ask, _ := firstNum(item, "ask1", "ask")
	tk := market.ClampTicker(last, bid, ask)
	return &tk
}

// getWithSymbolFallback tries path with COIN_USDT then COINUSDT, then once
// more after a forced alias refresh.
func (e *MexcExchange) getWithSymbolFallback(ctx context.Context, coin string, call func(symbol string) (*mexcEnvelope, error)) (*mexcEnvelope, string, error) {
	symbol := e.NormalizeSymbol(coin)
	env, err := call(symbol)
	if err == nil {
		return env, symbol, nil
	}

	fallback := strings.ReplaceAll(symbol, "_", "")
	if fallback != symbol {
		e.log.Debug().Str("coin", coin).Str("symbol", fallback).Msg("trying fallback symbol")
		if env2, err2 := call(fallback); err2 == nil {
			return env2, fallback, nil
		}
	}

	// Refresh aliases only when they were loaded before; a retried symbol
	// that differs from both previous attempts gets one more shot.
	if e.aliasesLoaded() {
		e.ensureAliases(ctx, true)
		retry := e.NormalizeSymbol(coin)
		if retry != symbol && retry != fallback {
			if env3, err3 := call(retry); err3 == nil {
				return env3, retry, nil
			}
			retryFallback := strings.ReplaceAll(retry, "_", "")
			if retryFallback != retry && retryFallback != fallback {
				if env4, err4 := call(retryFallback); err4 == nil {
					return env4, retryFallback, nil
				}
			}
		}
	}
	return nil, symbol, err
}

func (e *MexcExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	e.ensureAliases(ctx, false)
	e.ensureTickerCache(ctx)

	if item := e.cachedTicker(e.NormalizeSymbol(coin)); item != nil {
		if tk := tickerFromItem(item); tk != nil {
			return tk, nil
		}
	}

	env, symbol, err := e.getWithSymbolFallback(ctx, coin, func(symbol string) (*mexcEnvelope, error) {
		params := url.Values{}
		params.Set("symbol", symbol)
		return e.get(ctx, "/api/v1/contract/ticker", params)
	})
	if err != nil {
		return nil, err
	}
	item := itemOf(envPayload(env))
	if item == nil {
		e.log.Debug().Str("coin", coin).Str("symbol", symbol).Msg("ticker payload not an object")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Mexc, Msg: "ticker not found"}
	}
	tk := tickerFromItem(item)
	if tk == nil {
		e.log.Debug().Str("coin", coin).Str("symbol", symbol).Msg("no lastPrice in ticker")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Mexc, Msg: "no lastPrice"}
	}
	return tk, nil
}

// envPayload re-wraps the envelope's data/result for itemOf.
func envPayload(env *mexcEnvelope) json.RawMessage {
	if len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data
	}
	if len(env.Result) > 0 && string(env.Result) != "null" {
		return env.Result
	}
	return nil
}

func fundingFromItem(item map[string]json.RawMessage) (*market.FundingInfo, bool) {
	rate, ok := firstNum(item, "fundingRate", "rate", "r")
	if !ok {
		return nil, false
	}
	info := &market.FundingInfo{Rate: rate}
	for _, field := range []string{"nextSettleTime", "nextFundingTime", "nextFundingTimeMs", "fundingTime", "nextFunding", "settleTime", "nextFundingTimestamp", "settleTimestamp"} {
		if v, ok := firstOf(item, field); ok {
			if ts, ok2 := intOf(v); ok2 && ts > 0 {
				info.NextFundingTime = &ts
				break
			}
		}
	}
	return info, true
}

func (e *MexcExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	info, err := e.FundingInfo(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &info.Rate, nil
}

func (e *MexcExchange) FundingInfo(ctx context.Context, coin string) (*market.FundingInfo, error) {
	e.ensureAliases(ctx, false)
	e.ensureFundingCache(ctx)

	if item := e.cachedFunding(e.NormalizeSymbol(coin)); item != nil {
		if info, ok := fundingFromItem(item); ok {
			return info, nil
		}
	}

	env, symbol, err := e.getWithSymbolFallback(ctx, coin, func(symbol string) (*mexcEnvelope, error) {
		return e.get(ctx, "/api/v1/contract/funding_rate/"+symbol, nil)
	})
	if err != nil {
		return nil, err
	}
	item := itemOf(envPayload(env))
	if item == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Mexc, Msg: "funding not found"}
	}
	info, ok := fundingFromItem(item)
	if !ok {
		e.log.Warn().Str("coin", coin).Str("symbol", symbol).Msg("no fundingRate/rate/r field")
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Mexc, Msg: "no funding rate field"}
	}
	return info, nil
}

func (e *MexcExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	e.ensureAliases(ctx, false)
	if depth < 1 {
		depth = 1
	} else if depth > 200 {
		depth = 200
	}
	env, _, err := e.getWithSymbolFallback(ctx, coin, func(symbol string) (*mexcEnvelope, error) {
		params := url.Values{}
		params.Set("limit", fmt.Sprint(depth))
		return e.get(ctx, "/api/v1/contract/depth/"+symbol, params)
	})
	if err != nil {
		return nil, err
	}
	m := itemOf(envPayload(env))
	if m == nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Mexc, Msg: "unexpected orderbook shape"}
	}
	ob := market.NormalizeBook(decodeLevels(m["bids"]), decodeLevels(m["asks"]), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Mexc, Msg: "empty orderbook"}
	}
	return ob, nil
}

// AllFuturesCoins lists active USDT contracts from contract/detail.
func (e *MexcExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	env, err := e.get(ctx, "/api/v1/contract/detail", nil)
	if err != nil {
		return nil, err
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &items); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Mexc, Err: err}
	}
	coins := make(map[string]struct{}, len(items))
	for _, it := range items {
		var sym string
		if v, ok := it["symbol"]; ok {
			json.Unmarshal(v, &sym)
		}
		if !strings.HasSuffix(sym, "_USDT") {
			continue
		}
		if v, ok := it["state"]; ok {
			if state := strings.Trim(string(v), `"`); state != "" && state != "0" && state != "1" {
				continue
			}
		}
		coins[strings.ToUpper(strings.TrimSuffix(sym, "_USDT"))] = struct{}{}
	}
	return coins, nil
}

func (e *MexcExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
