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

// SpreadScanner is the price-spread loop: every cycle it refreshes the coin
// universe, fetches tickers per coin across listed venues, keeps ordered
// pairs with spread >= MinSpread and pushes them through the evaluator.
type SpreadScanner struct {
	Registry  *venues.Registry
	Evaluator *Evaluator
	Sink      sink.Sink
	Channel   string
	Log       zerolog.Logger

	MinSpread     float64
	ExcludeCoins  map[string]struct{}
	Interval      time.Duration
	BatchSize     int
	Fetch         FetchConfig
	MaxConcurrent int64

	sem *semaphore.Weighted
}

// Run loops until the context is cancelled. Inner errors degrade the cycle,
// never abort the loop.
func (s *SpreadScanner) Run(ctx context.Context) error {
	s.sem = semaphore.NewWeighted(s.MaxConcurrent)
	venueNames := s.Registry.Names()

	s.Log.Info().
		Float64("min_spread", s.MinSpread).
		Dur("interval", s.Interval).
		Strs("exchanges", venueNames).
		Int64("max_concurrency", s.MaxConcurrent).
		Float64("invest", s.Evaluator.InvestUSDT).
		Msg("scan_spreads started")

	printedStats := false
	for {
		coinsByVenue := CollectCoinsByVenue(ctx, s.Registry, venueNames, s.ExcludeCoins, s.Log)
		coins := BuildUnion(coinsByVenue)
		if !printedStats {
			s.Log.Info().Int("total", len(coins)).Msg("coin universe collected")
			for _, v := range venueNames {
				s.Log.Info().Str("venue", v).Int("coins", len(coinsByVenue[v])).Msg("venue universe")
			}
			printedStats = true
		}

		s.Log.Info().Int("total_coins", len(coins)).Msg("🔄 new scan cycle")
		started := time.Now()
		if len(coins) > 0 {
			s.scanOnce(ctx, venueNames, coins, coinsByVenue)
		} else {
			s.Log.Warn().Msg("no coins to scan; skipping cycle")
		}
		ops.ScanCyclesTotal.WithLabelValues("price").Inc()
		s.Log.Info().Dur("took", time.Since(started)).Dur("sleep", s.Interval).Msg("scan cycle finished")

		select {
		case <-time.After(s.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SpreadScanner) scanOnce(ctx context.Context, venueNames, coins []string, coinsByVenue map[string]map[string]struct{}) {
	total := len(coins)
	for i := 0; i < total; i += s.BatchSize {
		end := i + s.BatchSize
		if end > total {
			end = total
		}
		var wg sync.WaitGroup
		for _, coin := range coins[i:end] {
			coin := coin
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.processCoin(ctx, venueNames, coin, coinsByVenue)
			}()
		}
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
		s.Log.Info().Int("done", end).Int("total", total).Msg("progress")
	}
}

// processCoin fetches data from the venues listing the coin, computes both
// spread directions per pair, evaluates the keepers and emits one combined
// artifact per coin.
func (s *SpreadScanner) processCoin(ctx context.Context, venueNames []string, coin string, coinsByVenue map[string]map[string]struct{}) {
	listed := make([]string, 0, len(venueNames))
	for _, v := range venueNames {
		if _, ok := coinsByVenue[v][coin]; ok {
			listed = append(listed, v)
		}
	}
	if len(listed) < 2 {
		return
	}

	available := s.fetchAll(ctx, listed, coin)
	if len(available) < 2 {
		return
	}

	type candidate struct {
		longVenue, shortVenue string
		spread                float64
	}
	var found []candidate
	names := sortedKeys(available)
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := names[i], names[j]
			da, db := available[a], available[b]
			if sp := OpenSpreadPct(da.Ask, db.Bid); sp != nil && *sp >= s.MinSpread {
				found = append(found, candidate{a, b, *sp})
			}
			if sp := OpenSpreadPct(db.Ask, da.Bid); sp != nil && *sp >= s.MinSpread {
				found = append(found, candidate{b, a, *sp})
			}
		}
	}
	if len(found) == 0 {
		return
	}
	sort.Slice(found, func(i, j int) bool { return found[i].spread > found[j].spread })

	var favorable []*Opportunity
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range found {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			opp := s.Evaluator.EvaluatePrice(ctx, coin, c.longVenue, c.shortVenue, c.spread, available[c.longVenue], available[c.shortVenue])
			if opp != nil && opp.Favorable {
				mu.Lock()
				favorable = append(favorable, opp)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(favorable) == 0 || s.Sink == nil {
		return
	}
	ops.OpportunitiesTotal.WithLabelValues("price").Add(float64(len(favorable)))
	if err := s.Sink.EmitMessage(ctx, s.Channel, formatOpportunities(coin, s.Evaluator.InvestUSDT, favorable)); err != nil {
		s.Log.Warn().Err(err).Str("coin", coin).Msg("sink emit failed")
	}
}

func (s *SpreadScanner) fetchAll(ctx context.Context, listed []string, coin string) map[string]*VenueData {
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

func sortedKeys(m map[string]*VenueData) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// formatOpportunities renders the per-coin aggregated artifact handed to
// the sink.
func formatOpportunities(coin string, invest float64, opps []*Opportunity) string {
	sort.Slice(opps, func(i, j int) bool { return opps[i].TotalSpreadPct() > opps[j].TotalSpreadPct() })
	lines := []string{fmt.Sprintf("🔔 Signal: %s (Liq: %.1f USDT)", coin, invest), ""}
	for _, o := range opps {
		longPrice, shortPrice := "N/A", "N/A"
		longFunding, shortFunding := "N/A", "N/A"
		if o.LongData != nil {
			if o.LongData.Ask != nil {
				longPrice = fmt.Sprintf("%.3f", *o.LongData.Ask)
			}
			if o.LongData.FundingRate != nil {
				longFunding = fmt.Sprintf("%.3f%%", *o.LongData.FundingRate*100)
			}
		}
		if o.ShortData != nil {
			if o.ShortData.Bid != nil {
				shortPrice = fmt.Sprintf("%.3f", *o.ShortData.Bid)
			}
			if o.ShortData.FundingRate != nil {
				shortFunding = fmt.Sprintf("%.3f%%", *o.ShortData.FundingRate*100)
			}
		}
		lines = append(lines,
			fmt.Sprintf("🟢 LONG (%s) | Price: %s | Funding: %s", o.LongVenue, longPrice, longFunding),
			fmt.Sprintf("🔴 SHORT (%s) | Price: %s | Funding: %s", o.ShortVenue, shortPrice, shortFunding),
			fmt.Sprintf("• Price spread: %.3f%% | Funding spread: %s | Total: %.3f%%",
				o.PriceSpreadPct, fmtPct(o.FundingSpreadPct), o.TotalSpreadPct()),
			fmt.Sprintf("💎 Strategy: %s Long (%s), Short (%s)", coin, o.LongVenue, o.ShortVenue),
			"",
		)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
