package venues

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogdian/perparb/internal/transport"
)

func testOptions(urls map[string]string) Options {
	return Options{
		ConnectTimeout: time.Second,
		RequestTimeout: 2 * time.Second,
		Backoff:        time.Millisecond,
		BaseURLs:       urls,
		Logger:         zerolog.Nop(),
	}
}

func TestNormalizeSymbol_PerVenue(t *testing.T) {
	o := testOptions(nil)
	tests := []struct {
		ex   Exchange
		want string
	}{
		{NewBybit(o), "BTCUSDT"},
		{NewGate(o), "BTC_USDT"},
		{NewMexc(o), "BTC_USDT"},
		{NewXT(o), "btc_usdt"},
		{NewBinance(o), "BTCUSDT"},
		{NewBitget(o), "BTCUSDT"},
		{NewOKX(o), "BTC-USDT-SWAP"},
		{NewBingX(o), "BTC-USDT"},
		{NewLBank(o), "BTCUSDT"},
	}
	for _, tt := range tests {
		t.Run(tt.ex.Venue(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ex.NormalizeSymbol("btc"))
		})
		tt.ex.Close()
	}
}

func TestBybit_FuturesTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/tickers", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","lastPrice":"30000","bid1Price":"29990","ask1Price":"30000"}]}}`))
	}))
	defer srv.Close()

	ex := NewBybit(testOptions(map[string]string{Bybit: srv.URL}))
	defer ex.Close()

	tk, err := ex.FuturesTicker(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 30000.0, tk.Price)
	assert.Equal(t, 29990.0, tk.Bid)
	assert.Equal(t, 30000.0, tk.Ask)
}

func TestBybit_TickerSanityClamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{"list":[
			{"lastPrice":"100","bid1Price":"2000","ask1Price":"3"}]}}`))
	}))
	defer srv.Close()

	ex := NewBybit(testOptions(map[string]string{Bybit: srv.URL}))
	defer ex.Close()

	tk, err := ex.FuturesTicker(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.Bid)
	assert.Equal(t, 100.0, tk.Ask)
}

func TestBinance_InvalidSymbolIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	ex := NewBinance(testOptions(map[string]string{Binance: srv.URL}))
	defer ex.Close()

	_, err := ex.FuturesTicker(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, transport.IsNotFound(err))
}

func TestBinance_FundingInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		w.Write([]byte(`{"symbol":"BTCUSDT","lastFundingRate":"0.0001","nextFundingTime":1700000000000}`))
	}))
	defer srv.Close()

	ex := NewBinance(testOptions(map[string]string{Binance: srv.URL}))
	defer ex.Close()

	info, err := ex.FundingInfo(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, info.Rate)
	require.NotNil(t, info.NextFundingTime)
	assert.EqualValues(t, 1700000000000, *info.NextFundingTime)
}

func TestGate_FundingRateFallbackToHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/futures/usdt/contracts/CVC_USDT":
			// no funding fields in the contract payload
			w.Write([]byte(`{"name":"CVC_USDT"}`))
		case "/api/v4/futures/usdt/funding_rate":
			w.Write([]byte(`[{"t":1700000000,"r":"0.000125"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ex := NewGate(testOptions(map[string]string{Gate: srv.URL}))
	defer ex.Close()

	rate, err := ex.FundingRate(context.Background(), "CVC")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Equal(t, 0.000125, *rate)
}

func TestGate_OrderbookObjectLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[{"p":"97.1","s":2245},{"p":"97.0","s":10}],
			"asks":[{"p":"97.3","s":100},{"p":"97.2","s":5}]}`))
	}))
	defer srv.Close()

	ex := NewGate(testOptions(map[string]string{Gate: srv.URL}))
	defer ex.Close()

	ob, err := ex.Orderbook(context.Background(), "SOL", 50)
	require.NoError(t, err)
	assert.Equal(t, 97.1, ob.Bids[0].Price)
	assert.Equal(t, 2245.0, ob.Bids[0].Size)
	assert.Equal(t, 97.2, ob.Asks[0].Price, "asks re-sorted ascending")
}

func TestOKX_EmptyDataIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist","data":[]}`))
	}))
	defer srv.Close()

	ex := NewOKX(testOptions(map[string]string{OKX: srv.URL}))
	defer ex.Close()

	_, err := ex.FuturesTicker(context.Background(), "NOPE")
	require.Error(t, err)
	assert.True(t, transport.IsNotFound(err))
}

func TestBingX_UnavailableCodes(t *testing.T) {
	for _, code := range []string{"109425", "109415"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":` + code + `,"msg":"symbol not available","data":null}`))
		}))
		ex := NewBingX(testOptions(map[string]string{BingX: srv.URL}))
		_, err := ex.FuturesTicker(context.Background(), "ABC")
		require.Error(t, err)
		assert.True(t, transport.IsNotFound(err), "code %s must map to NotFound", code)
		ex.Close()
		srv.Close()
	}
}

func TestXT_Ticker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cvc_usdt", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"returnCode":0,"result":{"c":"0.123","b":"0.122","a":"0.124"}}`))
	}))
	defer srv.Close()

	ex := NewXT(testOptions(map[string]string{XT: srv.URL}))
	defer ex.Close()

	tk, err := ex.FuturesTicker(context.Background(), "CVC")
	require.NoError(t, err)
	assert.Equal(t, 0.123, tk.Price)
	assert.Equal(t, 0.122, tk.Bid)
	assert.Equal(t, 0.124, tk.Ask)
}

func TestBitget_CoinListHandlesUMCBLSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"00000","data":[
			{"symbol":"BTCUSDT_UMCBL"},{"symbol":"ETHUSDT"},{"symbol":"XRPBTC"}]}`))
	}))
	defer srv.Close()

	ex := NewBitget(testOptions(map[string]string{Bitget: srv.URL}))
	defer ex.Close()

	coins, err := ex.AllFuturesCoins(context.Background())
	require.NoError(t, err)
	assert.Contains(t, coins, "BTC")
	assert.Contains(t, coins, "ETH")
	assert.NotContains(t, coins, "XRP")
}

func TestCheckLiquidity_ThroughAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{
			"b":[["29990","5"],["29980","5"]],
			"a":[["30000","5"],["30010","5"]]}}`))
	}))
	defer srv.Close()

	ex := NewBybit(testOptions(map[string]string{Bybit: srv.URL}))
	defer ex.Close()

	rep, err := ex.CheckLiquidity(context.Background(), "BTC", 50, 50, 30, 50, "entry_long")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.True(t, rep.OK)
	assert.Equal(t, "BTCUSDT", rep.Symbol)
}
