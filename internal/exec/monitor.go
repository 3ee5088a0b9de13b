package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/scan"
	"github.com/sogdian/perparb/internal/venues"
)

// MonitorParams configures the monitor-until-close loop.
type MonitorParams struct {
	Coin        string
	LongVenue   string
	ShortVenue  string
	CoinAmount  float64
	// CloseThresholdPct is the |closing spread| trigger; nil monitors
	// without ever closing.
	CloseThresholdPct *float64
	// ClosePositions controls whether the trigger actually places reducing
	// orders (false: notify-only monitoring).
	ClosePositions bool
	// Open prices fix the PnL baseline; nil pins them to the first
	// observed quote.
	AskLongOpen  *float64
	BidShortOpen *float64
	FeeLongUSDT  float64
	FeeShortUSDT float64
	PollInterval time.Duration
}

// pnlUSDT: long bought at askLongOpen and sells at bidLongNow; short sold
// at bidShortOpen and buys back at askShortNow; per-leg fees subtracted.
func pnlUSDT(coinAmount float64, askLongOpen, bidLongNow, bidShortOpen, askShortNow *float64, feeLong, feeShort float64) *float64 {
	if askLongOpen == nil || bidLongNow == nil || bidShortOpen == nil || askShortNow == nil {
		return nil
	}
	if coinAmount <= 0 || *askLongOpen <= 0 || *askShortNow <= 0 {
		return nil
	}
	pnlLong := (*bidLongNow-*askLongOpen)*coinAmount - feeLong
	pnlShort := (*bidShortOpen-*askShortNow)*coinAmount - feeShort
	total := pnlLong + pnlShort
	return &total
}

// MonitorUntilClose polls both tickers every PollInterval, logs the
// closing/opening spreads and PnL, and on |closing| <= threshold notifies
// the sink, closes the pair (when armed) and returns.
func (e *Engine) MonitorUntilClose(ctx context.Context, p MonitorParams) error {
	if p.PollInterval <= 0 {
		p.PollInterval = time.Second
	}
	longEx := e.Registry.Get(p.LongVenue)
	shortEx := e.Registry.Get(p.ShortVenue)
	if longEx == nil || shortEx == nil {
		return fmt.Errorf("monitor: unknown venue %s/%s", p.LongVenue, p.ShortVenue)
	}

	if p.CloseThresholdPct != nil {
		e.Log.Info().Str("coin", p.Coin).Float64("threshold", *p.CloseThresholdPct).
			Msg("monitoring started (close on |closing spread| <= threshold)")
	} else {
		e.Log.Info().Str("coin", p.Coin).Msg("monitoring started (no close threshold)")
	}

	askLongOpen := p.AskLongOpen
	bidShortOpen := p.BidShortOpen

	for {
		longTk, shortTk := e.fetchPairTickers(ctx, longEx, shortEx, p.Coin)
		if longTk != nil && shortTk != nil {
			bidLong, askLong := longTk.Bid, longTk.Ask
			bidShort, askShort := shortTk.Bid, shortTk.Ask

			// Opening prices are pinned on the first tick when not given.
			if askLongOpen == nil {
				askLongOpen = &askLong
			}
			if bidShortOpen == nil {
				bidShortOpen = &bidShort
			}

			closing := scan.ClosingSpreadPct(&bidLong, &askShort)
			opening := scan.OpenSpreadPct(askLongOpen, bidShortOpen)
			pnl := pnlUSDT(p.CoinAmount, askLongOpen, &bidLong, bidShortOpen, &askShort, p.FeeLongUSDT, p.FeeShortUSDT)

			// Displayed with a flipped sign: the cost of closing now.
			closingDisplay := "N/A"
			if closing != nil {
				closingDisplay = fmt.Sprintf("%.3f%%", -*closing)
			}
			openingStr := "N/A"
			if opening != nil {
				openingStr = fmt.Sprintf("%.3f%%", *opening)
			}
			pnlStr := "N/A"
			if pnl != nil {
				pnlStr = fmt.Sprintf("%.4f USDT", *pnl)
			}
			e.Log.Info().Msg(fmt.Sprintf(
				"🚩 Спред закр: %s | ⛳ Откр: %s (L: %.5f, S: %.5f) | PNL: %s",
				closingDisplay, openingStr, *askLongOpen, *bidShortOpen, pnlStr,
			))

			if p.CloseThresholdPct != nil && closing != nil && abs(*closing) <= *p.CloseThresholdPct {
				e.Log.Info().Float64("closing", *closing).Float64("threshold", *p.CloseThresholdPct).
					Msg("close threshold reached")
				if e.Sink != nil {
					msg := fmt.Sprintf("⏰ Time to close %s: Long (%s) / Short (%s)\n🚩 Close spread: %s | PNL: %s",
						p.Coin, p.LongVenue, p.ShortVenue, closingDisplay, pnlStr)
					if err := e.Sink.EmitMessage(ctx, e.Channel, msg); err != nil {
						e.Log.Warn().Err(err).Msg("sink emit failed")
					}
				}
				if p.ClosePositions {
					result, err := e.ClosePair(ctx, p.Coin, p.LongVenue, p.ShortVenue, p.CoinAmount)
					if err != nil {
						return fmt.Errorf("close failed: %w", err)
					}
					if !result.AllFilled() {
						return fmt.Errorf("close incomplete: long=%v short=%v", result.Long.OK, result.Short.OK)
					}
				}
				return nil
			}
		} else {
			e.Log.Debug().Msg("missing data from one venue, skipping tick")
		}

		select {
		case <-time.After(p.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) fetchPairTickers(ctx context.Context, longEx, shortEx venues.Exchange, coin string) (*market.Ticker, *market.Ticker) {
	type res struct{ tk *market.Ticker }
	ch := make(chan res, 1)
	go func() {
		tk, err := longEx.FuturesTicker(ctx, coin)
		if err != nil {
			tk = nil
		}
		ch <- res{tk}
	}()
	shortTk, err := shortEx.FuturesTicker(ctx, coin)
	if err != nil {
		shortTk = nil
	}
	longRes := <-ch
	return longRes.tk, shortTk
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
