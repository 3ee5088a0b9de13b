package scan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/sogdian/perparb/internal/news"
	"github.com/sogdian/perparb/internal/venues"
)

// liquidityRegistry spins up bybit+gate stubs with deep books and returns a
// registry limited to those two venues.
func liquidityRegistry(t *testing.T) *venues.Registry {
	t.Helper()
	bybitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":0,"result":{
			"b":[["29990","50"],["29980","50"]],
			"a":[["30000","50"],["30010","50"]]}}`))
	}))
	t.Cleanup(bybitSrv.Close)
	gateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bids":[["30600","50"],["30590","50"]],
			"asks":[["30610","50"],["30620","50"]]}`))
	}))
	t.Cleanup(gateSrv.Close)

	exclude := map[string]struct{}{}
	for _, v := range []string{venues.Mexc, venues.XT, venues.Binance, venues.Bitget, venues.OKX, venues.BingX, venues.LBank} {
		exclude[v] = struct{}{}
	}
	return venues.NewRegistry(venues.Options{
		RequestTimeout: 2 * time.Second,
		BaseURLs:       map[string]string{venues.Bybit: bybitSrv.URL, venues.Gate: gateSrv.URL},
		Logger:         zerolog.Nop(),
	}, exclude)
}

func testEvaluator(t *testing.T, reg *venues.Registry, lookup news.LookupFunc) *Evaluator {
	t.Helper()
	return &Evaluator{
		Registry:     reg,
		Risk:         news.NewRiskCache(time.Minute, lookup),
		InvestUSDT:   50,
		MinFunding:   1.5,
		MinTimeToPay: 60,
		AnalysisSem:  semaphore.NewWeighted(2),
		Log:          zerolog.Nop(),
	}
}

func emptyNews(context.Context, string, string) news.Verdicts { return news.Verdicts{} }

func TestEvaluatePrice_Favorable(t *testing.T) {
	reg := liquidityRegistry(t)
	defer reg.Close()
	ev := testEvaluator(t, reg, emptyNews)

	longData := &VenueData{Price: fp(30000), Bid: fp(29990), Ask: fp(30000)}
	shortData := &VenueData{Price: fp(30600), Bid: fp(30600), Ask: fp(30610)}
	spread := OpenSpreadPct(longData.Ask, shortData.Bid)
	require.NotNil(t, spread)
	assert.InDelta(t, 2.0, *spread, 1e-9)

	opp := ev.EvaluatePrice(context.Background(), "BTC", venues.Bybit, venues.Gate, *spread, longData, shortData)
	require.NotNil(t, opp)
	assert.True(t, opp.Favorable, "reasons: %v", opp.Reasons)
	assert.Empty(t, opp.Reasons)
}

func TestEvaluatePrice_BlockedByDelisting(t *testing.T) {
	reg := liquidityRegistry(t)
	defer reg.Close()
	delisting := func(ctx context.Context, coin, venue string) news.Verdicts {
		if venue == venues.Gate {
			return news.Verdicts{Delisting: []news.Item{{
				Title: "Gate will delist OBOL/USDT perpetual on 2025-01-12",
				URL:   "https://gate/ann/1",
			}}}
		}
		return news.Verdicts{}
	}
	ev := testEvaluator(t, reg, delisting)

	longData := &VenueData{Price: fp(30000), Bid: fp(29990), Ask: fp(30000)}
	shortData := &VenueData{Price: fp(30600), Bid: fp(30600), Ask: fp(30610)}

	opp := ev.EvaluatePrice(context.Background(), "OBOL", venues.Bybit, venues.Gate, 2.0, longData, shortData)
	require.NotNil(t, opp)
	assert.False(t, opp.Favorable, "delisting news must block the verdict even with liquidity OK")
	assert.Contains(t, opp.Reasons, "делистинг")
}

func TestEvaluateFunding_Accepted(t *testing.T) {
	reg := liquidityRegistry(t)
	defer reg.Close()
	ev := testEvaluator(t, reg, emptyNews)
	now := time.Now()
	ev.Now = func() time.Time { return now }

	next := now.Add(8 * time.Minute).Unix()
	longData := &VenueData{Price: fp(30000), Bid: fp(29990), Ask: fp(30000), FundingRate: fp(-0.02), NextFundingTime: &next}
	shortData := &VenueData{Price: fp(30010), Bid: fp(30005), Ask: fp(30015), FundingRate: fp(0.0023)}

	spread := OpenSpreadPct(longData.Ask, shortData.Bid)
	funding := FundingSpreadFundingArb(longData.FundingRate, shortData.FundingRate)
	require.NotNil(t, funding)
	assert.InDelta(t, 1.77, *funding, 1e-9)

	opp := ev.EvaluateFunding(context.Background(), "BTC", venues.Bybit, venues.Gate, spread, funding, longData, shortData)
	require.NotNil(t, opp)
	assert.True(t, opp.Favorable, "reasons: %v", opp.Reasons)
	require.NotNil(t, opp.MinutesUntilFunding)
	assert.Equal(t, 8, *opp.MinutesUntilFunding)
}

func TestEvaluateFunding_EarlyRejects(t *testing.T) {
	reg := liquidityRegistry(t)
	defer reg.Close()

	calls := 0
	counting := func(ctx context.Context, coin, venue string) news.Verdicts {
		calls++
		return news.Verdicts{}
	}
	ev := testEvaluator(t, reg, counting)
	now := time.Now()
	ev.Now = func() time.Time { return now }

	longData := &VenueData{Price: fp(100), Bid: fp(99.9), Ask: fp(100), FundingRate: fp(-0.001)}
	shortData := &VenueData{Price: fp(100.1), Bid: fp(100), Ask: fp(100.2), FundingRate: fp(0.0005)}

	t.Run("funding below threshold", func(t *testing.T) {
		funding := FundingSpreadFundingArb(longData.FundingRate, shortData.FundingRate) // 0.05%
		opp := ev.EvaluateFunding(context.Background(), "AAA", venues.Bybit, venues.Gate,
			OpenSpreadPct(longData.Ask, shortData.Bid), funding, longData, shortData)
		require.NotNil(t, opp)
		assert.False(t, opp.Favorable)
	})

	t.Run("payout too far", func(t *testing.T) {
		far := now.Add(5 * time.Hour).Unix()
		ld := &VenueData{Price: fp(100), Bid: fp(99.9), Ask: fp(100), FundingRate: fp(-0.02), NextFundingTime: &far}
		funding := FundingSpreadFundingArb(ld.FundingRate, shortData.FundingRate)
		opp := ev.EvaluateFunding(context.Background(), "AAA", venues.Bybit, venues.Gate,
			OpenSpreadPct(ld.Ask, shortData.Bid), funding, ld, shortData)
		require.NotNil(t, opp)
		assert.False(t, opp.Favorable)
	})

	assert.Zero(t, calls, "early rejects must not touch liquidity/news")
}
