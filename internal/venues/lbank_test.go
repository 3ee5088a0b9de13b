package venues

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lbankServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cfd/openApi/v1/pub/instrument", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SwapU", r.URL.Query().Get("productGroup"))
		w.Write([]byte(`{"error_code":0,"data":[
			{"symbol":"GPSUSDT"},{"symbol":"IOTAUSDT"},{"symbol":"BTCUSDT"}]}`))
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLBank_ResolveSymbolFromCatalog(t *testing.T) {
	srv := lbankServer(t, nil)
	ex := NewLBank(testOptions(map[string]string{LBank: srv.URL}))
	defer ex.Close()

	assert.Equal(t, "IOTAUSDT", ex.ResolveSymbol(context.Background(), "iota"))
	// Unknown coins fall back to plain normalization.
	assert.Equal(t, "ZZZUSDT", ex.ResolveSymbol(context.Background(), "ZZZ"))
}

func TestLBank_OrderbookViaMarketOrder(t *testing.T) {
	srv := lbankServer(t, map[string]http.HandlerFunc{
		"/cfd/openApi/v1/pub/marketOrder": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "GPSUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "50", r.URL.Query().Get("depth"))
			w.Write([]byte(`{"error_code":0,"data":{
				"bids":[{"price":"0.0500","volume":"120","orders":"3"},
				        {"price":"0.0502","volume":"80","orders":"1"}],
				"asks":[{"price":"0.0510","volume":"90","orders":"2"},
				        {"price":"0.0508","volume":"40","orders":"1"}]}}`))
		},
	})
	ex := NewLBank(testOptions(map[string]string{LBank: srv.URL}))
	defer ex.Close()

	ob, err := ex.Orderbook(context.Background(), "GPS", 50)
	require.NoError(t, err)
	// Canonical sort: bids descending, asks ascending.
	assert.Equal(t, 0.0502, ob.Bids[0].Price)
	assert.Equal(t, 80.0, ob.Bids[0].Size)
	assert.Equal(t, 0.0508, ob.Asks[0].Price)
	assert.Equal(t, 40.0, ob.Asks[0].Size)
}

func TestLBank_TickerFromMarketData(t *testing.T) {
	srv := lbankServer(t, map[string]http.HandlerFunc{
		"/cfd/openApi/v1/pub/marketData": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error_code":0,"data":[
				{"symbol":"IOTAUSDT","lastPrice":"0.21","bestBid":"0.209","bestAsk":"0.211","markPrice":"0.25"}]}`))
		},
	})
	ex := NewLBank(testOptions(map[string]string{LBank: srv.URL}))
	defer ex.Close()

	tk, err := ex.FuturesTicker(context.Background(), "IOTA")
	require.NoError(t, err)
	assert.Equal(t, 0.21, tk.Price, "markPrice must not be used as last")
	assert.Equal(t, 0.209, tk.Bid)
	assert.Equal(t, 0.211, tk.Ask)
}

func TestLBank_AllFuturesCoins(t *testing.T) {
	srv := lbankServer(t, nil)
	ex := NewLBank(testOptions(map[string]string{LBank: srv.URL}))
	defer ex.Close()

	coins, err := ex.AllFuturesCoins(context.Background())
	require.NoError(t, err)
	assert.Contains(t, coins, "GPS")
	assert.Contains(t, coins, "IOTA")
	assert.Contains(t, coins, "BTC")
}
