package venues

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mexcServer(t *testing.T, detail string, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/contract/detail", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(detail))
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":510,"msg":"not found"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const mexcDetailWithAlias = `{"code":0,"data":[
	{"symbol":"SPORTFUN_USDT","settleCoin":"USDT","state":0,"displayName":"FUN_USDT"},
	{"symbol":"FUN_USDT","settleCoin":"USDT","state":0,"displayName":"FUNTOKEN_USDT"},
	{"symbol":"BTC_USDT","settleCoin":"USDT","state":0}
]}`

func TestMexc_AliasResolution(t *testing.T) {
	srv := mexcServer(t, mexcDetailWithAlias, nil)
	ex := NewMexc(testOptions(map[string]string{Mexc: srv.URL, "mexc-fallback": srv.URL}))
	defer ex.Close()

	// Trigger the dynamic alias load.
	ex.ensureAliases(context.Background(), false)

	// FUN maps to the SPORTFUN contract, not the FUN_USDT contract.
	assert.Equal(t, "SPORTFUN_USDT", ex.NormalizeSymbol("FUN"))
	assert.Equal(t, "FUN_USDT", ex.NormalizeSymbol("FUNTOKEN"))
	assert.Equal(t, "BTC_USDT", ex.NormalizeSymbol("BTC"))
	// Unknown coins fall back to plain normalization.
	assert.Equal(t, "ZZZ_USDT", ex.NormalizeSymbol("zzz"))
}

func TestMexc_StaticAliasWithoutDynamicTable(t *testing.T) {
	ex := NewMexc(testOptions(nil))
	defer ex.Close()
	// No dynamic table loaded: static fallback applies.
	assert.Equal(t, "SPORTFUN_USDT", ex.NormalizeSymbol("FUN"))
	assert.Equal(t, "TESLA_USDT", ex.NormalizeSymbol("TSLA"))
}

func TestMexc_TickerViaBulkCache(t *testing.T) {
	var tickerCalls int
	srv := mexcServer(t, `{"code":0,"data":[]}`, map[string]http.HandlerFunc{
		"/api/v1/contract/ticker": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("symbol") != "" {
				w.Write([]byte(`{"code":510,"msg":"not found"}`))
				return
			}
			tickerCalls++
			w.Write([]byte(`{"code":0,"data":[
				{"symbol":"GPS_USDT","lastPrice":"0.05","bid1":"0.0499","ask1":"0.0501"}]}`))
		},
	})
	ex := NewMexc(testOptions(map[string]string{Mexc: srv.URL, "mexc-fallback": srv.URL}))
	defer ex.Close()

	tk, err := ex.FuturesTicker(context.Background(), "GPS")
	require.NoError(t, err)
	assert.Equal(t, 0.05, tk.Price)
	assert.Equal(t, 0.0499, tk.Bid)

	// Second read within the TTL hits the cache, not the endpoint.
	_, err = ex.FuturesTicker(context.Background(), "GPS")
	require.NoError(t, err)
	assert.Equal(t, 1, tickerCalls)
}

func TestMexc_FundingInfoFromBulkCache(t *testing.T) {
	srv := mexcServer(t, `{"code":0,"data":[]}`, map[string]http.HandlerFunc{
		"/api/v1/contract/funding_rate": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":0,"data":[
				{"symbol":"CVC_USDT","fundingRate":"-0.0002","nextSettleTime":1700000000000}]}`))
		},
	})
	ex := NewMexc(testOptions(map[string]string{Mexc: srv.URL, "mexc-fallback": srv.URL}))
	defer ex.Close()

	info, err := ex.FundingInfo(context.Background(), "CVC")
	require.NoError(t, err)
	assert.Equal(t, -0.0002, info.Rate)
	require.NotNil(t, info.NextFundingTime)
	assert.EqualValues(t, 1700000000000, *info.NextFundingTime)
}

func TestMexc_OrderbookSymbolFallback(t *testing.T) {
	srv := mexcServer(t, `{"code":0,"data":[]}`, map[string]http.HandlerFunc{
		"/api/v1/contract/depth/GPS_USDT": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":1001,"msg":"contract not exists"}`))
		},
		"/api/v1/contract/depth/GPSUSDT": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"code":0,"data":{
				"bids":[[0.05,100],[0.049,50]],
				"asks":[[0.051,100],[0.052,50]]}}`))
		},
	})
	ex := NewMexc(testOptions(map[string]string{Mexc: srv.URL, "mexc-fallback": srv.URL}))
	defer ex.Close()

	ob, err := ex.Orderbook(context.Background(), "GPS", 50)
	require.NoError(t, err)
	assert.Equal(t, 0.05, ob.Bids[0].Price)
	assert.Equal(t, 0.051, ob.Asks[0].Price)
}

func TestMexc_AllFuturesCoinsSkipsInactive(t *testing.T) {
	detail := `{"code":0,"data":[
		{"symbol":"BTC_USDT","settleCoin":"USDT","state":0},
		{"symbol":"DEAD_USDT","settleCoin":"USDT","state":4},
		{"symbol":"ETH_USD","settleCoin":"USD","state":0}
	]}`
	srv := mexcServer(t, detail, nil)
	ex := NewMexc(testOptions(map[string]string{Mexc: srv.URL, "mexc-fallback": srv.URL}))
	defer ex.Close()

	coins, err := ex.AllFuturesCoins(context.Background())
	require.NoError(t, err)
	assert.Contains(t, coins, "BTC")
	assert.NotContains(t, coins, "DEAD")
	assert.NotContains(t, coins, "ETH")
}
