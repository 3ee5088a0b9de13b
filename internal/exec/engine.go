package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sogdian/perparb/internal/bybitws"
	"github.com/sogdian/perparb/internal/ops"
	"github.com/sogdian/perparb/internal/sink"
	"github.com/sogdian/perparb/internal/venues"
)

// LegResult is the outcome of one leg.
type LegResult struct {
	Venue     string
	Direction string
	OK        bool
	OrderID   string
	FilledQty float64
	Err       error
}

// PairResult is the outcome of a paired open/close.
type PairResult struct {
	Long     LegResult
	Short    LegResult
	Unhedged bool // exactly one leg filled
}

// AllFilled reports whether both legs filled in full.
func (r *PairResult) AllFilled() bool { return r.Long.OK && r.Short.OK }

// Engine places and verifies paired orders. Trade/Private streams are
// optional: with a ready trade stream Bybit orders go over WS, otherwise
// over signed REST; fill checks prefer the private stream and fall back to
// REST polling.
type Engine struct {
	Registry   *venues.Registry
	BybitCreds Credentials
	GateCreds  Credentials
	RecvWindow time.Duration
	Trade      *bybitws.TradeStream
	Private    *bybitws.PrivateStream
	Sink       sink.Sink
	Channel    string
	Log        zerolog.Logger
}

// OpenPair preflights, prepares margin and places both legs of
// Long(longVenue) / Short(shortVenue) for coinAmount base units per leg.
// Any preflight or placement error aborts; a partially-filled pair is
// reported with Unhedged set and a prominent warning.
func (e *Engine) OpenPair(ctx context.Context, coin, longVenue, shortVenue string, coinAmount float64) (*PairResult, error) {
	if coinAmount <= 0 {
		return nil, fmt.Errorf("coin amount must be > 0, got %g", coinAmount)
	}
	e.Log.Info().Str("coin", coin).Str("long", longVenue).Str("short", shortVenue).
		Str("qty", fmtNum(coinAmount)).Msg("🧩 opening paired positions")

	longPlan, err := e.planLeg(ctx, longVenue, coin, "long", coinAmount)
	if err != nil {
		return nil, fmt.Errorf("preflight failed (Long %s): %w", longVenue, err)
	}
	shortPlan, err := e.planLeg(ctx, shortVenue, coin, "short", coinAmount)
	if err != nil {
		return nil, fmt.Errorf("preflight failed (Short %s): %w", shortVenue, err)
	}

	// Isolated margin and leverage 1 before the first order; failure here
	// is fatal and nothing is sent.
	if err := e.prepareVenue(ctx, longVenue, coin); err != nil {
		return nil, err
	}
	if err := e.prepareVenue(ctx, shortVenue, coin); err != nil {
		return nil, err
	}

	result := e.placeAndVerify(ctx, longPlan, shortPlan, false)

	if result.AllFilled() {
		spread := (shortPlan.LimitPrice - longPlan.LimitPrice) / longPlan.LimitPrice * 100
		e.Log.Info().
			Str("long_venue", longVenue).Str("long_price", fmtNum(longPlan.LimitPrice)).
			Str("short_venue", shortVenue).Str("short_price", fmtNum(shortPlan.LimitPrice)).
			Str("qty", fmtNum(coinAmount)).Str("open_spread", fmt.Sprintf("%.3f%%", spread)).
			Msg("✅ positions opened")
	} else if result.Unhedged {
		e.warnUnhedged(ctx, coin, result)
	} else {
		e.Log.Error().Str("coin", coin).Msg("❌ failed to open positions")
	}
	return result, nil
}

// ClosePair places reducing (reverse-side) orders for both legs and
// verifies full reduction.
func (e *Engine) ClosePair(ctx context.Context, coin, longVenue, shortVenue string, coinAmount float64) (*PairResult, error) {
	// Closing the long sells; closing the short buys.
	closeLong, err := e.planLeg(ctx, longVenue, coin, "short", coinAmount)
	if err != nil {
		return nil, fmt.Errorf("close preflight failed (Long %s): %w", longVenue, err)
	}
	closeShort, err := e.planLeg(ctx, shortVenue, coin, "long", coinAmount)
	if err != nil {
		return nil, fmt.Errorf("close preflight failed (Short %s): %w", shortVenue, err)
	}
	result := e.placeAndVerify(ctx, closeLong, closeShort, true)
	if result.AllFilled() {
		e.Log.Info().Str("coin", coin).Msg("✅ positions closed")
	} else {
		e.Log.Error().Str("coin", coin).Msg("❌ position close incomplete")
	}
	return result, nil
}

func (e *Engine) planLeg(ctx context.Context, venue, coin, direction string, coinAmount float64) (*Plan, error) {
	switch venue {
	case venues.Bybit:
		return e.planBybitLeg(ctx, coin, direction, coinAmount)
	case venues.Gate:
		return e.planGateLeg(ctx, coin, direction, coinAmount)
	}
	return nil, fmt.Errorf("trading not implemented for %s", venue)
}

// placeAndVerify sends both legs concurrently and runs the strict
// full-fill verification on each.
func (e *Engine) placeAndVerify(ctx context.Context, longPlan, shortPlan *Plan, reduceOnly bool) *PairResult {
	var wg sync.WaitGroup
	results := make([]LegResult, 2)
	for i, plan := range []*Plan{longPlan, shortPlan} {
		i, plan := i, plan
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.placeLeg(ctx, plan, reduceOnly)
		}()
	}
	wg.Wait()

	for i := range results {
		res := &results[i]
		plan := longPlan
		if i == 1 {
			plan = shortPlan
		}
		if res.Err != nil || res.OrderID == "" {
			e.Log.Error().Err(res.Err).Str("venue", res.Venue).Str("direction", res.Direction).Msg("❌ order failed")
			ops.OrdersPlacedTotal.WithLabelValues(res.Venue, "error").Inc()
			continue
		}
		ops.OrdersPlacedTotal.WithLabelValues(res.Venue, "placed").Inc()
		e.Log.Info().Str("venue", res.Venue).Str("direction", res.Direction).Str("order_id", res.OrderID).Msg("✅ order placed")

		filledOK, filledQty := e.waitFullFill(ctx, plan, res.OrderID)
		res.FilledQty = filledQty
		res.OK = filledOK
		if !filledOK {
			e.Log.Error().Str("venue", res.Venue).Str("direction", res.Direction).
				Str("filled", fmtNum(filledQty)).Str("required", fmtNum(plan.Qty)).
				Msg("❌ order not fully filled")
		}
	}

	pair := &PairResult{Long: results[0], Short: results[1]}
	pair.Unhedged = pair.Long.OK != pair.Short.OK
	return pair
}

func (e *Engine) warnUnhedged(ctx context.Context, coin string, r *PairResult) {
	openLeg := r.Long
	if r.Short.OK {
		openLeg = r.Short
	}
	e.Log.Error().Str("coin", coin).Str("venue", openLeg.Venue).Str("direction", openLeg.Direction).
		Msg("⚠️ UNHEDGED: only one leg is open")
	if e.Sink != nil {
		msg := fmt.Sprintf("⚠️ UNHEDGED RISK: %s — only the %s leg on %s is open; close it manually or retry the other leg",
			coin, openLeg.Direction, openLeg.Venue)
		if err := e.Sink.EmitMessage(ctx, e.Channel, msg); err != nil {
			e.Log.Warn().Err(err).Msg("sink emit failed")
		}
	}
}

// --- margin & leverage -------------------------------------------------

// prepareVenue switches the symbol to isolated margin with leverage 1.
func (e *Engine) prepareVenue(ctx context.Context, venue, coin string) error {
	switch venue {
	case venues.Bybit:
		return e.bybitSwitchIsolatedLeverage1(ctx, coin)
	case venues.Gate:
		return e.gateSetLeverage1(ctx, coin)
	}
	return fmt.Errorf("trading preparation not implemented for %s", venue)
}

// bybitAlreadySetCodes: 110026 = margin mode unchanged, 110043 = leverage
// not modified. Both mean the desired state already holds.
var bybitAlreadySetCodes = map[int]struct{}{110026: {}, 110043: {}}

func (e *Engine) bybitSwitchIsolatedLeverage1(ctx context.Context, coin string) error {
	ex, ok := e.Registry.Get(venues.Bybit).(*venues.BybitExchange)
	if !ok {
		return fmt.Errorf("bybit adapter unavailable")
	}
	symbol := ex.NormalizeSymbol(coin)

	do := func(path string, body map[string]any) error {
		raw, err := bybitPrivateRequest(ctx, ex.Client(), e.BybitCreds, e.RecvWindow, http.MethodPost, path, nil, body)
		if err != nil {
			return authError(venues.Bybit, err)
		}
		var resp struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return authError(venues.Bybit, err)
		}
		if resp.RetCode != 0 {
			if _, already := bybitAlreadySetCodes[resp.RetCode]; already {
				return nil
			}
			return authError(venues.Bybit, fmt.Errorf("%s retCode=%d retMsg=%s", path, resp.RetCode, resp.RetMsg))
		}
		return nil
	}

	if err := do("/v5/position/switch-isolated", map[string]any{
		"category": "linear", "symbol": symbol, "tradeMode": 1,
		"buyLeverage": "1", "sellLeverage": "1",
	}); err != nil {
		return fmt.Errorf("bybit isolated/leverage setup for %s: %w", symbol, err)
	}
	if err := do("/v5/position/set-leverage", map[string]any{
		"category": "linear", "symbol": symbol,
		"buyLeverage": "1", "sellLeverage": "1",
	}); err != nil {
		return fmt.Errorf("bybit leverage setup for %s: %w", symbol, err)
	}
	return nil
}

func (e *Engine) gateSetLeverage1(ctx context.Context, coin string) error {
	ex, ok := e.Registry.Get(venues.Gate).(*venues.GateExchange)
	if !ok {
		return fmt.Errorf("gate adapter unavailable")
	}
	contract := ex.NormalizeSymbol(coin)
	params := url.Values{}
	params.Set("leverage", "1")
	// cross_leverage_limit=0 keeps the position isolated.
	params.Set("cross_leverage_limit", "0")
	raw, err := gatePrivateRequest(ctx, ex.Client(), e.GateCreds, http.MethodPost,
		"/api/v4/futures/usdt/positions/"+contract+"/leverage", params, nil)
	if err != nil {
		return fmt.Errorf("gate leverage setup for %s: %w", contract, authError(venues.Gate, err))
	}
	// Success answers with the position object; an error payload carries
	// a label field.
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err == nil {
		if label, ok := resp["label"]; ok {
			return fmt.Errorf("gate leverage setup for %s: %s", contract, strings.Trim(string(label), `"`))
		}
	}
	return nil
}

// --- placement ---------------------------------------------------------

func (e *Engine) placeLeg(ctx context.Context, plan *Plan, reduceOnly bool) LegResult {
	res := LegResult{Venue: plan.Venue, Direction: plan.Direction}
	switch plan.Venue {
	case venues.Bybit:
		res.OrderID, res.Err = e.placeBybit(ctx, plan, reduceOnly)
	case venues.Gate:
		res.OrderID, res.Err = e.placeGate(ctx, plan, reduceOnly)
	default:
		res.Err = fmt.Errorf("unknown venue in plan: %s", plan.Venue)
	}
	return res
}

// placeBybit prefers the trade WS (order.create + reqId correlation) and
// falls back to the signed REST endpoint.
func (e *Engine) placeBybit(ctx context.Context, plan *Plan, reduceOnly bool) (string, error) {
	order := map[string]any{
		"category":    "linear",
		"symbol":      plan.Symbol,
		"side":        plan.Side,
		"orderType":   "Limit",
		"qty":         plan.QtyStr,
		"price":       plan.PriceStr,
		"timeInForce": "GTC",
	}
	if reduceOnly {
		order["reduceOnly"] = true
	}

	if e.Trade != nil && e.Trade.Ready() {
		resp, err := e.Trade.CreateOrder(ctx, order, time.Now().UnixMilli(), 2*time.Second)
		if err == nil {
			var data struct {
				OrderID string `json:"orderId"`
			}
			if jsonErr := json.Unmarshal(resp.Data, &data); jsonErr == nil && data.OrderID != "" {
				return data.OrderID, nil
			}
			return "", fmt.Errorf("trade WS ack without orderId")
		}
		e.Log.Warn().Err(err).Msg("trade WS order failed; falling back to REST")
	}

	ex, ok := e.Registry.Get(venues.Bybit).(*venues.BybitExchange)
	if !ok {
		return "", fmt.Errorf("bybit adapter unavailable")
	}
	raw, err := bybitPrivateRequest(ctx, ex.Client(), e.BybitCreds, e.RecvWindow, http.MethodPost, "/v5/order/create", nil, order)
	if err != nil {
		return "", authError(venues.Bybit, err)
	}
	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("bybit order response: %w", err)
	}
	if resp.RetCode != 0 {
		return "", fmt.Errorf("bybit order retCode=%d retMsg=%s", resp.RetCode, resp.RetMsg)
	}
	return resp.Result.OrderID, nil
}

func (e *Engine) placeGate(ctx context.Context, plan *Plan, reduceOnly bool) (string, error) {
	ex, ok := e.Registry.Get(venues.Gate).(*venues.GateExchange)
	if !ok {
		return "", fmt.Errorf("gate adapter unavailable")
	}
	size := plan.Contracts
	if plan.Side == "Sell" {
		size = -size
	}
	body := map[string]any{
		"contract": plan.Symbol,
		"size":     size,
		"price":    plan.PriceStr,
		"tif":      "gtc",
	}
	if reduceOnly {
		body["reduce_only"] = true
	}
	raw, err := gatePrivateRequest(ctx, ex.Client(), e.GateCreds, http.MethodPost, "/api/v4/futures/usdt/orders", nil, body)
	if err != nil {
		return "", authError(venues.Gate, err)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("gate order response: %w", err)
	}
	if id, ok := resp["id"]; ok {
		return strings.Trim(string(id), `"`), nil
	}
	return "", fmt.Errorf("gate order error: %s", string(raw))
}

// --- fill verification -------------------------------------------------

// waitFullFill checks strict full fill: cumExec + eps >= required. The
// private stream resolves fast fills; REST polling (~6s for Bybit, ~4s for
// Gate) covers the rest.
func (e *Engine) waitFullFill(ctx context.Context, plan *Plan, orderID string) (bool, float64) {
	eps := plan.Qty * 1e-8
	if eps < 1e-10 {
		eps = 1e-10
	}

	if plan.Venue == venues.Bybit && e.Private != nil {
		if final, err := e.Private.WaitFinal(ctx, orderID, 2*time.Second); err == nil {
			e.Log.Info().Str("order_id", orderID).Str("status", final.Status).
				Str("filled", fmtNum(final.FilledQty)).Str("required", fmtNum(plan.Qty)).
				Msg("order final via private stream")
			return final.FilledQty+eps >= plan.Qty, final.FilledQty
		}
	}

	switch plan.Venue {
	case venues.Bybit:
		return e.bybitPollFill(ctx, plan, orderID, eps)
	case venues.Gate:
		return e.gatePollFill(ctx, plan, orderID)
	}
	return false, 0
}

// bybitPollFill polls realtime (open orders) and history (settled orders);
// realtime alone misses orders that filled immediately.
func (e *Engine) bybitPollFill(ctx context.Context, plan *Plan, orderID string, eps float64) (bool, float64) {
	ex, ok := e.Registry.Get(venues.Bybit).(*venues.BybitExchange)
	if !ok {
		return false, 0
	}
	var lastErr string

	for i := 0; i < 30; i++ { // ~6s
		var lastSeen map[string]json.RawMessage
		for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
			params := url.Values{}
			params.Set("category", "linear")
			params.Set("symbol", plan.Symbol)
			params.Set("orderId", orderID)
			raw, err := bybitPrivateRequest(ctx, ex.Client(), e.BybitCreds, e.RecvWindow, http.MethodGet, path, params, nil)
			if err != nil {
				lastErr = err.Error()
				continue
			}
			var resp struct {
				RetCode int    `json:"retCode"`
				RetMsg  string `json:"retMsg"`
				Result  struct {
					List []map[string]json.RawMessage `json:"list"`
				} `json:"result"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				lastErr = err.Error()
				continue
			}
			if resp.RetCode != 0 {
				lastErr = fmt.Sprintf("%s retCode=%d retMsg=%s", path, resp.RetCode, resp.RetMsg)
				continue
			}
			if len(resp.Result.List) > 0 {
				lastSeen = resp.Result.List[0]
			}
		}

		if lastSeen != nil {
			status := jsonStr(lastSeen, "orderStatus")
			filled := jsonFloat(lastSeen, "cumExecQty")
			switch strings.ToLower(status) {
			case "filled", "cancelled", "canceled", "rejected", "partiallyfilled", "partially_filled":
				e.Log.Info().Str("order_id", orderID).Str("status", status).
					Str("filled", fmtNum(filled)).Str("required", fmtNum(plan.Qty)).Msg("bybit order status")
				return filled+eps >= plan.Qty, filled
			}
		}

		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return false, 0
		}
	}
	e.Log.Error().Str("order_id", orderID).Str("symbol", plan.Symbol).Str("last_error", lastErr).
		Msg("bybit fill check: no terminal status")
	return false, 0
}

// gatePollFill reads the order by id; left/size are in contracts and the
// base fill is contracts * quanto multiplier.
func (e *Engine) gatePollFill(ctx context.Context, plan *Plan, orderID string) (bool, float64) {
	ex, ok := e.Registry.Get(venues.Gate).(*venues.GateExchange)
	if !ok {
		return false, 0
	}
	qmul := plan.QuantoMultiplier
	if qmul <= 0 {
		qmul = 1
	}
	for i := 0; i < 20; i++ { // ~4s
		params := url.Values{}
		params.Set("contract", plan.Symbol)
		raw, err := gatePrivateRequest(ctx, ex.Client(), e.GateCreds, http.MethodGet,
			"/api/v4/futures/usdt/orders/"+orderID, params, nil)
		if err == nil {
			var resp map[string]json.RawMessage
			if json.Unmarshal(raw, &resp) == nil {
				status := jsonStr(resp, "status")
				finishAs := jsonStr(resp, "finish_as")
				left := jsonFloat(resp, "left")
				sizeAbs := jsonFloat(resp, "size")
				if sizeAbs < 0 {
					sizeAbs = -sizeAbs
				}
				filledContracts := sizeAbs - left
				if filledContracts < 0 {
					filledContracts = 0
				}
				switch strings.ToLower(status) {
				case "finished", "cancelled", "canceled":
					e.Log.Info().Str("order_id", orderID).Str("status", status).Str("finish_as", finishAs).
						Str("filled_contracts", fmtNum(filledContracts)).
						Str("required_contracts", fmtNum(float64(plan.Contracts))).Msg("gate order status")
					return filledContracts+1e-9 >= float64(plan.Contracts), filledContracts * qmul
				}
			}
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return false, 0
		}
	}
	return false, 0
}

func jsonStr(m map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := m[key]; ok {
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		return strings.Trim(string(v), `"`)
	}
	return ""
}

func jsonFloat(m map[string]json.RawMessage, key string) float64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	var f float64
	if json.Unmarshal(v, &f) == nil {
		return f
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
