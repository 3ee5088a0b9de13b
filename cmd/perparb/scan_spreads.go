package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogdian/perparb/internal/scan"
)

var scanSpreadsCmd = &cobra.Command{
	Use:   "scan-spreads",
	Short: "Run the price-spread scanner loop",
	Long: `Continuously scans the union coin universe across all enabled venues,
computes cross-venue price spreads in both directions and evaluates pairs
at or above MIN_SPREAD for liquidity and delisting/security risk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := buildApp(true)
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		scanner := &scan.SpreadScanner{
			Registry:      a.registry,
			Evaluator:     a.evaluator(),
			Sink:          a.sink,
			Channel:       flagChannel,
			Log:           log.Logger,
			MinSpread:     a.settings.MinSpread,
			ExcludeCoins:  a.settings.ExcludeCoins,
			Interval:      time.Duration(a.settings.ScanIntervalSec * float64(time.Second)),
			BatchSize:     a.settings.CoinBatchSize,
			MaxConcurrent: a.settings.MaxConcurrency,
			Fetch: scan.FetchConfig{
				TickerTimeout:  a.settings.TickerTimeout,
				FundingTimeout: a.settings.FundingTimeout,
				Retries:        a.settings.FetchRetries,
				RetryBackoff:   a.settings.FetchRetryBackoff,
			},
		}
		if err := scanner.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		log.Info().Msg("scan-spreads stopped")
		return nil
	},
}
