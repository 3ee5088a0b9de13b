package exec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogdian/perparb/internal/venues"
)

func excludeAllBut(keep ...string) map[string]struct{} {
	all := []string{venues.Bybit, venues.Gate, venues.Mexc, venues.XT, venues.Binance, venues.Bitget, venues.OKX, venues.BingX, venues.LBank}
	out := map[string]struct{}{}
	for _, v := range all {
		skip := true
		for _, k := range keep {
			if v == k {
				skip = false
			}
		}
		if skip {
			out[v] = struct{}{}
		}
	}
	return out
}

// bybitTradeServer serves market data plus the private order endpoints.
func bybitTradeServer(t *testing.T, fills *[]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"lastPrice":"100.0","bid1Price":"99.9","ask1Price":"100.1"}]}}`))
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[{
			"symbol":"AAAUSDT","baseCoin":"AAA","quoteCoin":"USDT","settleCoin":"USDT","status":"Trading",
			"lotSizeFilter":{"qtyStep":"0.1","minOrderQty":"0.1","minNotionalValue":"5"},
			"priceFilter":{"tickSize":"0.05"}}]}}`))
	})
	mux.HandleFunc("/v5/market/orderbook", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{
			"b":[["99.9","100"]],"a":[["100.1","100"]]}}`))
	})
	mux.HandleFunc("/v5/position/switch-isolated", func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		w.Write([]byte(`{"retCode":0}`))
	})
	mux.HandleFunc("/v5/position/set-leverage", func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified"}`))
	})
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		*fills = append(*fills, body["side"].(string))
		w.Write([]byte(`{"retCode":0,"result":{"orderId":"ord-bybit-1"}}`))
	})
	mux.HandleFunc("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})
	mux.HandleFunc("/v5/order/history", func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"orderId":"ord-bybit-1","orderStatus":"Filled","cumExecQty":"0.5","avgPrice":"100.1"}]}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func requireSigned(t *testing.T, r *http.Request) {
	t.Helper()
	assert.NotEmpty(t, r.Header.Get("X-BAPI-API-KEY"))
	assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
	assert.NotEmpty(t, r.Header.Get("X-BAPI-TIMESTAMP"))
}

func TestPlanBybitLeg(t *testing.T) {
	var fills []string
	srv := bybitTradeServer(t, &fills)
	reg := venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Bybit: srv.URL},
		Logger:         zerolog.Nop(),
	}, excludeAllBut(venues.Bybit))
	defer reg.Close()

	e := &Engine{
		Registry:   reg,
		BybitCreds: Credentials{Key: "k", Secret: "s"},
		RecvWindow: 5 * time.Second,
		Log:        zerolog.Nop(),
	}

	t.Run("long", func(t *testing.T) {
		plan, err := e.planBybitLeg(context.Background(), "AAA", "long", 0.55)
		require.NoError(t, err)
		assert.Equal(t, "Buy", plan.Side)
		assert.InDelta(t, 0.5, plan.Qty, 1e-9, "qty floors to step")
		assert.Equal(t, "0.5", plan.QtyStr)
		// ask 100.1 ceils on the 0.05 grid (already aligned)
		assert.InDelta(t, 100.1, plan.LimitPrice, 1e-9)
	})

	t.Run("short floors price", func(t *testing.T) {
		plan, err := e.planBybitLeg(context.Background(), "AAA", "short", 1.0)
		require.NoError(t, err)
		assert.Equal(t, "Sell", plan.Side)
		assert.InDelta(t, 99.9, plan.LimitPrice, 1e-9)
	})

	t.Run("below min qty", func(t *testing.T) {
		_, err := e.planBybitLeg(context.Background(), "AAA", "long", 0.05)
		require.Error(t, err)
	})

	t.Run("missing creds", func(t *testing.T) {
		bare := &Engine{Registry: reg, Log: zerolog.Nop()}
		_, err := bare.planBybitLeg(context.Background(), "AAA", "long", 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BYBIT_API_KEY")
	})
}

func TestBybitPollFill_HistoryFallback(t *testing.T) {
	var fills []string
	srv := bybitTradeServer(t, &fills)
	reg := venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Bybit: srv.URL},
		Logger:         zerolog.Nop(),
	}, excludeAllBut(venues.Bybit))
	defer reg.Close()

	e := &Engine{
		Registry:   reg,
		BybitCreds: Credentials{Key: "k", Secret: "s"},
		RecvWindow: 5 * time.Second,
		Log:        zerolog.Nop(),
	}
	plan := &Plan{Venue: venues.Bybit, Symbol: "AAAUSDT", Qty: 0.5}
	ok, filled := e.bybitPollFill(context.Background(), plan, "ord-bybit-1", 1e-9)
	assert.True(t, ok, "realtime is empty; history reports the fill")
	assert.Equal(t, 0.5, filled)
}

func TestBybitPollFill_PartialIsFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/realtime", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"orderId":"o","orderStatus":"PartiallyFilled","cumExecQty":"0.2"}]}}`))
	})
	mux.HandleFunc("/v5/order/history", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Bybit: srv.URL},
		Logger:         zerolog.Nop(),
	}, excludeAllBut(venues.Bybit))
	defer reg.Close()

	e := &Engine{Registry: reg, BybitCreds: Credentials{Key: "k", Secret: "s"}, RecvWindow: 5 * time.Second, Log: zerolog.Nop()}
	plan := &Plan{Venue: venues.Bybit, Symbol: "AAAUSDT", Qty: 0.5}
	ok, filled := e.bybitPollFill(context.Background(), plan, "o", 1e-9)
	assert.False(t, ok, "strict full fill: partial is a failure")
	assert.Equal(t, 0.2, filled)
}

func TestPlanGateLeg(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/futures/usdt/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"contract":"AAA_USDT","last":"2.0","bid":"1.99","ask":"2.01"}]`))
	})
	mux.HandleFunc("/api/v4/futures/usdt/contracts/AAA_USDT", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"AAA_USDT","quanto_multiplier":"10","order_size_min":1,"order_price_round":"0.01"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Gate: srv.URL},
		Logger:         zerolog.Nop(),
	}, excludeAllBut(venues.Gate))
	defer reg.Close()

	e := &Engine{Registry: reg, GateCreds: Credentials{Key: "k", Secret: "s"}, Log: zerolog.Nop()}

	// 35 base units at multiplier 10 -> 3 contracts (30 base).
	plan, err := e.planGateLeg(context.Background(), "AAA", "short", 35)
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.Contracts)
	assert.InDelta(t, 30.0, plan.Qty, 1e-9)
	assert.Equal(t, "Sell", plan.Side)
	assert.InDelta(t, 1.99, plan.LimitPrice, 1e-9, "sell floors to tick")

	// Below one contract fails.
	_, err = e.planGateLeg(context.Background(), "AAA", "long", 5)
	require.Error(t, err)
}

func TestMonitorUntilClose_TriggersAtThreshold(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		// bidLong=100.0, askShort=100.2 on the other venue.
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"lastPrice":"100.1","bid1Price":"100.0","ask1Price":"100.2"}]}}`))
	})
	bybitSrv := httptest.NewServer(mux)
	defer bybitSrv.Close()

	gateMux := http.NewServeMux()
	gateMux.HandleFunc("/api/v4/futures/usdt/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"contract":"AAA_USDT","last":"100.1","bid":"100.0","ask":"100.2"}]`))
	})
	gateSrv := httptest.NewServer(gateMux)
	defer gateSrv.Close()

	reg := venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Bybit: bybitSrv.URL, venues.Gate: gateSrv.URL},
		Logger:         zerolog.Nop(),
	}, excludeAllBut(venues.Bybit, venues.Gate))
	defer reg.Close()

	e := &Engine{Registry: reg, Log: zerolog.Nop()}

	// closing = (100.0 - 100.2)/100.2*100 ≈ -0.1996% -> |x| <= 0.5 fires
	// immediately; ClosePositions=false means notify-only and return.
	threshold := 0.5
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.MonitorUntilClose(ctx, MonitorParams{
		Coin: "AAA", LongVenue: venues.Bybit, ShortVenue: venues.Gate,
		CoinAmount: 1, CloseThresholdPct: &threshold, ClosePositions: false,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err, "monitor must return once the threshold fires")
}
