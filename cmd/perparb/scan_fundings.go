package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogdian/perparb/internal/scan"
)

var scanFundingsCmd = &cobra.Command{
	Use:   "scan-fundings",
	Short: "Run the funding-spread scanner loop",
	Long: `Continuously scans for funding-collection opportunities: pairs where the
Long leg collects favorable (negative) funding soon while the Short leg
pays little, gated by liquidity and news risk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := buildApp(true)
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		scanner := &scan.FundingScanner{
			Registry:                a.registry,
			Evaluator:               a.evaluator(),
			Sink:                    a.sink,
			Channel:                 flagChannel,
			Log:                     log.Logger,
			MinFundingLongFilterPct: a.settings.MinFundingLongFilterForLog,
			MinTimeToPayMinutes:     a.settings.MinTimeToPayMinutes,
			ExcludeCoins:            a.settings.ExcludeCoins,
			Interval:                time.Duration(a.settings.FundingScanIntervalSec * float64(time.Second)),
			BatchSize:               a.settings.CoinBatchSize,
			MaxConcurrent:           a.settings.FundingMaxConcurrency,
			Fetch: scan.FetchConfig{
				TickerTimeout:  a.settings.RequestTimeout,
				FundingTimeout: a.settings.RequestTimeout,
				MexcTimeout:    a.settings.MexcRequestTimeout,
				Retries:        0,
				WantNextTime:   true,
			},
		}
		if err := scanner.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		log.Info().Msg("scan-fundings stopped")
		return nil
	},
}
