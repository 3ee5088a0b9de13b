package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sogdian/perparb/internal/bybitws"
	"github.com/sogdian/perparb/internal/exec"
	"github.com/sogdian/perparb/internal/input"
	"github.com/sogdian/perparb/internal/scan"
	"github.com/sogdian/perparb/internal/venues"
)

var flagNoPrompt bool

func init() {
	openCmd.Flags().BoolVar(&flagNoPrompt, "monitor-only", false, "skip the open prompt, monitor without placing orders")
}

var openCmd = &cobra.Command{
	Use:   "open \"COIN Long (venue), Short (venue) [AMOUNT]\"",
	Short: "Analyze a pair, then open and monitor it on confirmation",
	Long: `Parses the operator line, analyzes the pair (spread, liquidity, news),
asks for confirmation ("Да[, X]" opens the positions and monitors until the
closing spread reaches X percent; "Нет" starts a monitor-only loop), places
both legs and verifies strict full fills.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := buildApp(false)
		defer a.close()

		ctx, cancel := signalContext()
		defer cancel()

		req, err := input.ParseRequest(args[0], a.registry.Has)
		if err != nil {
			return err
		}

		// Only Bybit/Gate legs are executable; everything can be analyzed.
		log.Info().Str("coin", req.Coin).Str("long", req.LongVenue).Str("short", req.ShortVenue).Msg("analyzing pair")

		longEx := a.registry.Get(req.LongVenue)
		shortEx := a.registry.Get(req.ShortVenue)
		longTk, err := longEx.FuturesTicker(ctx, req.Coin)
		if err != nil {
			log.Warn().Err(err).Msgf("⚠️ %s недоступна на %s", req.Coin, req.LongVenue)
			return fmt.Errorf("ticker unavailable on Long venue")
		}
		shortTk, err := shortEx.FuturesTicker(ctx, req.Coin)
		if err != nil {
			log.Warn().Err(err).Msgf("⚠️ %s недоступна на %s", req.Coin, req.ShortVenue)
			return fmt.Errorf("ticker unavailable on Short venue")
		}

		longData := &scan.VenueData{Price: &longTk.Price, Bid: &longTk.Bid, Ask: &longTk.Ask}
		shortData := &scan.VenueData{Price: &shortTk.Price, Bid: &shortTk.Bid, Ask: &shortTk.Ask}
		if rate, err := longEx.FundingRate(ctx, req.Coin); err == nil {
			longData.FundingRate = rate
		}
		if rate, err := shortEx.FundingRate(ctx, req.Coin); err == nil {
			shortData.FundingRate = rate
		}

		spread := scan.OpenSpreadPct(longData.Ask, shortData.Bid)
		if spread == nil {
			return fmt.Errorf("cannot compute price spread")
		}
		ev := a.evaluator()
		ev.EvaluatePrice(ctx, req.Coin, req.LongVenue, req.ShortVenue, *spread, longData, shortData)

		coinAmount := a.settings.ScanCoinInvest / *longData.Ask
		if req.CoinAmount != nil {
			coinAmount = *req.CoinAmount
		}

		confirm := input.Confirmation{}
		if !flagNoPrompt {
			fmt.Println("\nОткрыть позиции в лонг и шорт? Введите 'Да[, X]' (X — порог закрытия в %) или 'Нет':")
			confirm, err = readConfirmation()
			if err != nil {
				return err
			}
		}

		engine := &exec.Engine{
			Registry:   a.registry,
			BybitCreds: exec.Credentials{Key: a.settings.BybitAPIKey, Secret: a.settings.BybitAPISecret},
			GateCreds:  exec.Credentials{Key: a.settings.GateAPIKey, Secret: a.settings.GateAPISecret},
			RecvWindow: a.settings.BybitRecvWindow,
			Sink:       a.sink,
			Channel:    flagChannel,
			Log:        log.Logger,
		}

		monitorParams := exec.MonitorParams{
			Coin:              req.Coin,
			LongVenue:         req.LongVenue,
			ShortVenue:        req.ShortVenue,
			CoinAmount:        coinAmount,
			CloseThresholdPct: confirm.ThresholdPct,
			ClosePositions:    false,
		}

		if confirm.Yes {
			if confirm.ThresholdPct == nil {
				return fmt.Errorf("close threshold required to open positions (e.g. 'Да, 0.5')")
			}
			// Bybit legs ride the low-latency streams when creds allow.
			if usesVenue(req, venues.Bybit) && engine.BybitCreds.Configured() {
				trade := bybitws.NewTradeStream("", engine.BybitCreds.Key, engine.BybitCreds.Secret,
					int(a.settings.BybitRecvWindow.Milliseconds()), log.Logger)
				if err := trade.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("trade WS unavailable; orders will go over REST")
				} else {
					engine.Trade = trade
					defer trade.Stop()
				}
				private := bybitws.NewPrivateStream("", engine.BybitCreds.Key, engine.BybitCreds.Secret, log.Logger)
				if err := private.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("private WS unavailable; fills verified over REST")
				} else {
					engine.Private = private
					defer private.Stop()
				}
			}

			result, err := engine.OpenPair(ctx, req.Coin, req.LongVenue, req.ShortVenue, coinAmount)
			if err != nil {
				return err
			}
			if !result.AllFilled() {
				return fmt.Errorf("pair not fully opened (unhedged=%v)", result.Unhedged)
			}
			// Opening prices feed the PnL baseline.
			ask := *longData.Ask
			bid := *shortData.Bid
			monitorParams.AskLongOpen = &ask
			monitorParams.BidShortOpen = &bid
			monitorParams.ClosePositions = true
			monitorParams.FeeLongUSDT = 0.05
			monitorParams.FeeShortUSDT = 0.05
		} else {
			log.Info().Msg("positions not opened; monitoring only")
		}

		return engine.MonitorUntilClose(ctx, monitorParams)
	},
}

func usesVenue(req *input.Request, venue string) bool {
	return req.LongVenue == venue || req.ShortVenue == venue
}

// readConfirmation reads one answer line from stdin; on a non-interactive
// stdin an empty answer means "Нет".
func readConfirmation() (input.Confirmation, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !term.IsTerminal(int(os.Stdin.Fd())) {
		// piped stdin with no answer: treat as "Нет"
		return input.ParseConfirmation(strings.TrimSpace(line))
	}
	if err != nil {
		return input.Confirmation{}, err
	}
	return input.ParseConfirmation(strings.TrimSpace(line))
}
