package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sogdian/perparb/internal/config"
	"github.com/sogdian/perparb/internal/news"
	"github.com/sogdian/perparb/internal/ops"
	"github.com/sogdian/perparb/internal/scan"
	"github.com/sogdian/perparb/internal/sink"
	"github.com/sogdian/perparb/internal/venues"
	"golang.org/x/sync/semaphore"
)

var (
	flagLogLevel   string
	flagChannel    string
	flagConfigFile string
)

var rootCmd = &cobra.Command{
	Use:   "perparb",
	Short: "Multi-exchange perpetual futures arbitrage scanner and executor",
	Long: `perparb scans USDT perpetuals across centralized derivatives venues for
price-spread and funding-spread arbitrage, validates opportunities against
liquidity and delisting/security news, and on operator confirmation opens
and monitors the paired Long/Short legs.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagChannel, "channel", "scanner", "sink channel for notifications")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "optional YAML overrides file")
	rootCmd.AddCommand(scanSpreadsCmd)
	rootCmd.AddCommand(scanFundingsCmd)
	rootCmd.AddCommand(oneCoinCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("perparb v1.0.0")
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// app bundles the wired components every command starts from.
type app struct {
	settings config.Settings
	registry *venues.Registry
	risk     *news.RiskCache
	xmon     *news.XMonitor
	opsSrv   *ops.Server
	sink     sink.Sink
}

// buildApp loads settings and constructs registry, news stack and ops
// endpoint. excludeVenues=false keeps every venue (the operator flow may
// name LBank explicitly).
func buildApp(excludeVenues bool) *app {
	settings := config.Load()
	if err := config.ApplyFile(&settings, flagConfigFile); err != nil {
		log.Warn().Err(err).Msg("config file ignored")
	}

	exclude := map[string]struct{}{}
	if excludeVenues {
		exclude = settings.ExcludeExchanges
	}
	registry := venues.NewRegistry(venues.Options{
		ConnectTimeout:      settings.ExchangeConnectTimeout,
		RequestTimeout:      settings.ExchangeRWTimeout,
		Retries:             settings.ExchangeHTTPRetries,
		Backoff:             settings.ExchangeRetryBackoff,
		MexcRequestTimeout:  settings.MexcHTTPTimeout,
		MexcMaxInflight:     settings.MexcMaxInflight,
		MexcTickerCacheTTL:  settings.MexcTickerCacheTTL,
		MexcFundingCacheTTL: settings.MexcFundingCacheTTL,
		Logger:              log.Logger,
	}, exclude)

	monitor := news.NewMonitor(settings.BinanceCookie, log.Logger)
	xmon := news.NewXMonitor(settings.XBearerToken, settings.XNewsCacheTTL, settings.XNewsMaxResults, log.Logger)
	risk := news.NewRiskCache(settings.NewsCacheTTL, news.VenueLookup(monitor, xmon, settings.NewsDaysBack))

	opsSrv := ops.NewServer(settings.OpsListenAddr, log.Logger)
	opsSrv.Start()

	return &app{
		settings: settings,
		registry: registry,
		risk:     risk,
		xmon:     xmon,
		opsSrv:   opsSrv,
		sink:     sink.LogSink{Log: log.Logger},
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.opsSrv.Stop(ctx)
	a.registry.Close()
}

func (a *app) evaluator() *scan.Evaluator {
	return &scan.Evaluator{
		Registry:     a.registry,
		Risk:         a.risk,
		InvestUSDT:   a.settings.ScanCoinInvest,
		MinSpread:    a.settings.MinSpread,
		MinFunding:   a.settings.MinFundingSpread,
		MinTimeToPay: a.settings.MinTimeToPayMinutes,
		AnalysisSem:  semaphore.NewWeighted(a.settings.AnalysisMaxConcurrency),
		Log:          log.Logger,
	}
}
