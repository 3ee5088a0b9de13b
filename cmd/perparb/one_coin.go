package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/sogdian/perparb/internal/scan"
)

var oneCoinCmd = &cobra.Command{
	Use:   "one-coin COIN",
	Short: "Analyze one coin across every venue pair",
	Long: `Fetches ticker and funding for a single coin on every venue that lists
it and prints the spread line for every directed Long/Short pair, with a
verdict for pairs at or above MIN_SPREAD.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		coin := strings.ToUpper(strings.TrimSpace(args[0]))
		if coin == "" {
			return fmt.Errorf("coin required")
		}

		a := buildApp(true)
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		log.Info().Str("coin", coin).Msg("analyzing coin")

		venueNames := a.registry.Names()
		coinsByVenue := scan.CollectCoinsByVenue(ctx, a.registry, venueNames, a.settings.ExcludeCoins, log.Logger)
		var supported []string
		for _, v := range venueNames {
			if _, ok := coinsByVenue[v][coin]; ok {
				supported = append(supported, v)
			}
		}
		if len(supported) < 2 {
			log.Info().Msg("fewer than two venues list this coin")
			return nil
		}

		sem := semaphore.NewWeighted(a.settings.MaxConcurrency)
		fetchCfg := scan.FetchConfig{
			TickerTimeout:  a.settings.TickerTimeout,
			FundingTimeout: a.settings.FundingTimeout,
			Retries:        a.settings.FetchRetries,
			RetryBackoff:   a.settings.FetchRetryBackoff,
		}

		dataByVenue := make(map[string]*scan.VenueData)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, v := range supported {
			v := v
			ex := a.registry.Get(v)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d := scan.FetchVenueData(ctx, ex, coin, fetchCfg, sem, log.Logger); d.HasTopOfBook() {
					mu.Lock()
					dataByVenue[v] = d
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		ev := a.evaluator()
		for _, longVenue := range supported {
			for _, shortVenue := range supported {
				if longVenue == shortVenue {
					continue
				}
				longData := dataByVenue[longVenue]
				shortData := dataByVenue[shortVenue]
				if longData == nil || shortData == nil {
					log.Info().Msgf("Long %s / Short %s: нет данных", longVenue, shortVenue)
					continue
				}
				spread := scan.OpenSpreadPct(longData.Ask, shortData.Bid)
				if spread == nil || *spread < a.settings.MinSpread {
					spreadStr := "N/A"
					if spread != nil {
						spreadStr = fmt.Sprintf("%.4f%%", *spread)
					}
					log.Info().Msgf("Long %s, Short %s | Спред цены: %s | ❌ не арбитражить", longVenue, shortVenue, spreadStr)
					continue
				}
				ev.EvaluatePrice(ctx, coin, longVenue, shortVenue, *spread, longData, shortData)
			}
		}
		return nil
	},
}
