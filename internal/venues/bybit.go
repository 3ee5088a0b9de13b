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

// BybitExchange talks to the Bybit V5 unified API (linear category).
type BybitExchange struct {
	http *transport.Client
	log  zerolog.Logger
}

func NewBybit(o Options) *BybitExchange {
	return &BybitExchange{
		http: transport.New(transport.Config{
			Venue:          Bybit,
			BaseURL:        o.baseURL(Bybit, "https://api.bybit.com"),
			ConnectTimeout: o.ConnectTimeout,
			RequestTimeout: o.RequestTimeout,
			Retries:        o.Retries,
			Backoff:        o.Backoff,
		}, o.Logger),
		log: o.Logger.With().Str("venue", Bybit).Logger(),
	}
}

func (e *BybitExchange) Venue() string { return Bybit }
func (e *BybitExchange) Close()        { e.http.Close() }

// Client exposes the pooled transport for private signed requests.
func (e *BybitExchange) Client() *transport.Client { return e.http }

func (e *BybitExchange) NormalizeSymbol(coin string) string {
	return upper(coin) + "USDT"
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (e *BybitExchange) get(ctx context.Context, path string, params url.Values) (*bybitEnvelope, error) {
	raw, err := e.http.GetJSON(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bybit, Err: err}
	}
	if env.RetCode != 0 {
		return nil, &transport.Error{
			Kind: transport.ProtocolError, Venue: Bybit,
			Code: fmt.Sprint(env.RetCode), Msg: env.RetMsg,
		}
	}
	return &env, nil
}

func (e *BybitExchange) FuturesTicker(ctx context.Context, coin string) (*market.Ticker, error) {
	symbol := e.NormalizeSymbol(coin)
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	env, err := e.get(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []map[string]json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil || len(result.List) == 0 {
		e.log.Debug().Str("coin", coin).Msg("ticker not found")
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bybit, Msg: "empty ticker list"}
	}
	item := result.List[0]
	last, ok := firstNum(item, "lastPrice")
	if !ok || last <= 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bybit, Msg: "no lastPrice"}
	}
	bid, _ := firstNum(item, "bid1Price")
	ask, _ := firstNum(item, "ask1Price")
	tk := market.ClampTicker(last, bid, ask)
	return &tk, nil
}

func (e *BybitExchange) FundingRate(ctx context.Context, coin string) (*float64, error) {
	symbol := e.NormalizeSymbol(coin)
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("limit", "1")
	env, err := e.get(ctx, "/v5/market/funding/history", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []map[string]json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil || len(result.List) == 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bybit, Msg: "no funding history"}
	}
	rate, ok := firstNum(result.List[0], "fundingRate")
	if !ok {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bybit, Msg: "no fundingRate field"}
	}
	return &rate, nil
}

func (e *BybitExchange) Orderbook(ctx context.Context, coin string, depth int) (*market.OrderBook, error) {
	symbol := e.NormalizeSymbol(coin)
	if depth < 1 {
		depth = 1
	} else if depth > 500 {
		depth = 500
	}
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	params.Set("limit", fmt.Sprint(depth))
	env, err := e.get(ctx, "/v5/market/orderbook", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Bids json.RawMessage `json:"b"`
		Asks json.RawMessage `json:"a"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, &transport.Error{Kind: transport.ProtocolError, Venue: Bybit, Err: err}
	}
	ob := market.NormalizeBook(decodeLevels(result.Bids), decodeLevels(result.Asks), depth)
	if ob == nil {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bybit, Msg: "empty orderbook"}
	}
	return ob, nil
}

// Instrument reads the contract's lot and price filters; string fields are
// preserved verbatim so precision survives to the order formatter.
func (e *BybitExchange) Instrument(ctx context.Context, coin string) (*market.Instrument, error) {
	symbol := e.NormalizeSymbol(coin)
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", symbol)
	env, err := e.get(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			BaseCoin      string `json:"baseCoin"`
			QuoteCoin     string `json:"quoteCoin"`
			SettleCoin    string `json:"settleCoin"`
			Status        string `json:"status"`
			LotSizeFilter struct {
				QtyStep        string `json:"qtyStep"`
				MinOrderQty    string `json:"minOrderQty"`
				MinNotionalVal string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil || len(result.List) == 0 {
		return nil, &transport.Error{Kind: transport.NotFound, Venue: Bybit, Msg: "instrument not found"}
	}
	it := result.List[0]
	return &market.Instrument{
		Symbol:      it.Symbol,
		BaseCoin:    it.BaseCoin,
		QuoteCoin:   it.QuoteCoin,
		SettleCoin:  it.SettleCoin,
		Status:      it.Status,
		QtyStep:     it.LotSizeFilter.QtyStep,
		MinOrderQty: it.LotSizeFilter.MinOrderQty,
		MinNotional: it.LotSizeFilter.MinNotionalVal,
		TickSize:    it.PriceFilter.TickSize,
	}, nil
}

// AllFuturesCoins pages through instruments-info and keeps USDT-settled
// linear perpetuals in Trading status.
func (e *BybitExchange) AllFuturesCoins(ctx context.Context) (map[string]struct{}, error) {
	coins := make(map[string]struct{})
	cursor := ""
	for {
		params := url.Values{}
		params.Set("category", "linear")
		params.Set("limit", "1000")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		env, err := e.get(ctx, "/v5/market/instruments-info", params)
		if err != nil {
			if len(coins) > 0 {
				return coins, nil
			}
			return nil, err
		}
		var result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				QuoteCoin    string `json:"quoteCoin"`
				SettleCoin   string `json:"settleCoin"`
				Status       string `json:"status"`
				ContractType string `json:"contractType"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return coins, nil
		}
		for _, it := range result.List {
			if it.QuoteCoin != "USDT" || it.SettleCoin != "USDT" {
				continue
			}
			if it.Status != "" && it.Status != "Trading" {
				continue
			}
			if it.ContractType != "" && it.ContractType != "LinearPerpetual" {
				continue
			}
			if strings.HasSuffix(it.Symbol, "USDT") {
				coins[strings.ToUpper(strings.TrimSuffix(it.Symbol, "USDT"))] = struct{}{}
			}
		}
		if result.NextPageCursor == "" || result.NextPageCursor == cursor {
			break
		}
		cursor = result.NextPageCursor
	}
	return coins, nil
}

func (e *BybitExchange) CheckLiquidity(ctx context.Context, coin string, notionalUSDT float64, depth int, maxSpreadBps, maxImpactBps float64, mode market.LiquidityMode) (*market.LiquidityReport, error) {
	return checkLiquidity(ctx, e, coin, notionalUSDT, depth, maxSpreadBps, maxImpactBps, mode)
}
