package scan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sogdian/perparb/internal/ops"
	"github.com/sogdian/perparb/internal/sink"
	"github.com/sogdian/perparb/internal/venues"
)

// FundingScanner is the funding-spread loop: collect favorable funding on
// the long leg, pay little on the short leg, near the next payout.
type FundingScanner struct {
	Registry  *venues.Registry
	Evaluator *Evaluator
	Sink      sink.Sink
	Channel   string
	Log       zerolog.Logger

	// Only pairs whose long-leg funding (percent) is at or below this
	// threshold are logged at all.
	MinFundingLongFilterPct float64
	MinTimeToPayMinutes     float64
	ExcludeCoins            map[string]struct{}
	Interval                time.Duration
	BatchSize               int
	Fetch                   FetchConfig
	MaxConcurrent           int64

	sem *semaphore.Weighted
}

// Run loops until the context is cancelled.
func (s *FundingScanner) Run(ctx context.Context) error {
	s.sem = semaphore.NewWeighted(s.MaxConcurrent)
	s.Fetch.WantNextTime = true
	venueNames := s.Registry.Names()

	s.Log.Info().
		Float64("min_funding_spread", s.Evaluator.MinFunding).
		Float64("min_funding_long_filter", s.MinFundingLongFilterPct).
		Float64("min_time_to_pay_min", s.MinTimeToPayMinutes).
		Dur("interval", s.Interval).
		Strs("exchanges", venueNames).
		Msg("scan_fundings_spreads started")

	printedStats := false
	for {
		coinsByVenue := CollectCoinsByVenue(ctx, s.Registry, venueNames, s.ExcludeCoins, s.Log)
		coins := BuildUnion(coinsByVenue)
		if !printedStats {
			s.Log.Info().Int("total", len(coins)).Msg("coin universe collected")
			printedStats = true
		}

		s.Log.Info().Int("coins", len(coins)).Msg("🔄 new funding cycle")
		started := time.Now()
		pairs := 0
		if len(coins) > 0 {
			pairs = s.scanOnce(ctx, venueNames, coins, coinsByVenue)
		}
		if pairs == 0 {
			s.Log.Info().Msg("cycle: no pairs passed the funding filter")
		} else {
			s.Log.Info().Int("pairs", pairs).Msg("cycle: pairs analyzed")
		}
		ops.ScanCyclesTotal.WithLabelValues("funding").Inc()
		s.Log.Info().Dur("took", time.Since(started)).Dur("sleep", s.Interval).Msg("funding cycle finished")

		select {
		case <-time.After(s.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *FundingScanner) scanOnce(ctx context.Context, venueNames, coins []string, coinsByVenue map[string]map[string]struct{}) int {
	total := len(coins)
	pairsAnalyzed := 0
	for i := 0; i < total; i += s.BatchSize {
		end := i + s.BatchSize
		if end > total {
			end = total
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, coin := range coins[i:end] {
			coin := coin
			wg.Add(1)
			go func() {
				defer wg.Done()
				n := s.processCoin(ctx, venueNames, coin, coinsByVenue)
				mu.Lock()
				pairsAnalyzed += n
				mu.Unlock()
			}()
		}
		wg.Wait()
		if ctx.Err() != nil {
			return pairsAnalyzed
		}
		s.Log.Info().Int("done", end).Int("total", total).Msg("progress")
	}
	return pairsAnalyzed
}

func (s *FundingScanner) processCoin(ctx context.Context, venueNames []string, coin string, coinsByVenue map[string]map[string]struct{}) int {
	listed := make([]string, 0, len(venueNames))
	for _, v := range venueNames {
		if _, ok := coinsByVenue[v][coin]; ok {
			listed = append(listed, v)
		}
	}
	if len(listed) < 2 {
		return 0
	}

	available := s.fetchAll(ctx, listed, coin)
	for _, v := range listed {
		if _, ok := available[v]; !ok {
			s.Log.Info().Str("venue", v).Str("coin", coin).Msg("no valid data (timeout, error or missing bid/ask)")
		}
	}
	if len(available) < 2 {
		return 0
	}

	type candidate struct {
		longVenue, shortVenue string
		priceSpread           *float64
		fundingSpread         *float64
	}
	var found []candidate
	names := sortedKeys(available)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			da, db := available[a], available[b]
			// Log-gate: the long leg must collect at least the configured
			// negative funding.
			if da.FundingRate != nil && *da.FundingRate*100 <= s.MinFundingLongFilterPct {
				found = append(found, candidate{
					longVenue: a, shortVenue: b,
					priceSpread:   OpenSpreadPct(da.Ask, db.Bid),
					fundingSpread: FundingSpreadFundingArb(da.FundingRate, db.FundingRate),
				})
			}
			if db.FundingRate != nil && *db.FundingRate*100 <= s.MinFundingLongFilterPct {
				found = append(found, candidate{
					longVenue: b, shortVenue: a,
					priceSpread:   OpenSpreadPct(db.Ask, da.Bid),
					fundingSpread: FundingSpreadFundingArb(db.FundingRate, da.FundingRate),
				})
			}
		}
	}
	if len(found) == 0 {
		return 0
	}

	var toSend []*Opportunity
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range found {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			opp := s.Evaluator.EvaluateFunding(ctx, coin, c.longVenue, c.shortVenue, c.priceSpread, c.fundingSpread, available[c.longVenue], available[c.shortVenue])
			if opp != nil && opp.Favorable && opp.MinutesUntilFunding != nil &&
				float64(*opp.MinutesUntilFunding) < s.MinTimeToPayMinutes {
				mu.Lock()
				toSend = append(toSend, opp)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(toSend) > 0 && s.Sink != nil {
		ops.OpportunitiesTotal.WithLabelValues("funding").Add(float64(len(toSend)))
		if err := s.Sink.EmitMessage(ctx, s.Channel, formatFundingTable(coin, s.Evaluator.InvestUSDT, toSend)); err != nil {
			s.Log.Warn().Err(err).Str("coin", coin).Msg("sink emit failed")
		}
	}
	return len(found)
}

func (s *FundingScanner) fetchAll(ctx context.Context, listed []string, coin string) map[string]*VenueData {
	out := make(map[string]*VenueData, len(listed))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, v := range listed {
		v := v
		ex := s.Registry.Get(v)
		if ex == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := FetchVenueData(ctx, ex, coin, s.Fetch, s.sem, s.Log)
			if data.HasTopOfBook() {
				mu.Lock()
				out[v] = data
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return out
}

// formatFundingTable renders the aligned text table the funding scanner
// sends to the sink.
func formatFundingTable(coin string, invest float64, opps []*Opportunity) string {
	sort.Slice(opps, func(i, j int) bool { return opps[i].TotalSpreadPct() > opps[j].TotalSpreadPct() })
	lines := []string{
		fmt.Sprintf("🔔💰 монета %s — спред фандингов (для ликв. %.0f USDT)", coin, invest),
		"",
		"L pr|L fun |S pr  |S fun |Spr pr|Spr fun|Spt tot|Биржи",
	}
	cell := func(v *float64) string {
		if v == nil {
			return pad("N/A")
		}
		return pad(fmt.Sprintf("%.3f", *v))
	}
	pct := func(v *float64, scale float64) string {
		if v == nil {
			return pad("N/A")
		}
		s := *v * scale
		return pad(fmt.Sprintf("%.3f", s))
	}
	for _, o := range opps {
		var longAsk, shortBid, longFunding, shortFunding *float64
		if o.LongData != nil {
			longAsk = o.LongData.Ask
			longFunding = o.LongData.FundingRate
		}
		if o.ShortData != nil {
			shortBid = o.ShortData.Bid
			shortFunding = o.ShortData.FundingRate
		}
		total := o.TotalSpreadPct()
		price := o.PriceSpreadPct
		lines = append(lines, strings.Join([]string{
			cell(longAsk), pct(longFunding, 100), cell(shortBid), pct(shortFunding, 100),
			pad(fmt.Sprintf("%.3f", price)), pct(o.FundingSpreadPct, 1), pad(fmt.Sprintf("%.3f", total)),
			o.LongVenue + "→" + o.ShortVenue,
		}, "|"))
	}
	return strings.Join(lines, "\n")
}

func pad(s string) string {
	const w = 8
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
