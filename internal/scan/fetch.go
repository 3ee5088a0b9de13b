package scan

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sogdian/perparb/internal/transport"
	"github.com/sogdian/perparb/internal/venues"
)

// FetchConfig tunes the per-coin market data fetch.
type FetchConfig struct {
	TickerTimeout  time.Duration
	FundingTimeout time.Duration
	// MexcTimeout, when set, replaces both timeouts for the MEXC venue.
	MexcTimeout  time.Duration
	Retries      int // extra ticker attempts on timeout
	RetryBackoff time.Duration
	WantNextTime bool // fetch FundingInfo instead of the bare rate
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		transport.KindOf(err) == transport.TransientNetwork
}

// FetchVenueData pulls the ticker (with timeout-only retries) and funding
// (best effort) for one coin on one venue. The semaphore bounds concurrent
// requests and is held only during the calls, never across backoff sleeps.
// A nil return means the ticker was unavailable; funding failures never
// discard the ticker.
func FetchVenueData(
	ctx context.Context,
	ex venues.Exchange,
	coin string,
	cfg FetchConfig,
	sem *semaphore.Weighted,
	log zerolog.Logger,
) *VenueData {
	tickerTimeout := cfg.TickerTimeout
	fundingTimeout := cfg.FundingTimeout
	if ex.Venue() == venues.Mexc && cfg.MexcTimeout > 0 {
		tickerTimeout = cfg.MexcTimeout
		fundingTimeout = cfg.MexcTimeout
	}

	out := &VenueData{}

	var gotTicker bool
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		tctx, cancel := context.WithTimeout(ctx, tickerTimeout)
		tk, err := ex.FuturesTicker(tctx, coin)
		cancel()
		sem.Release(1)

		if err == nil && tk != nil {
			out.Price = &tk.Price
			out.Bid = &tk.Bid
			out.Ask = &tk.Ask
			gotTicker = true
			break
		}
		if err != nil && isTimeout(err) && attempt < cfg.Retries {
			log.Debug().Str("venue", ex.Venue()).Str("coin", coin).Int("attempt", attempt+1).Msg("ticker timeout, retrying")
			select {
			case <-time.After(cfg.RetryBackoff * time.Duration(attempt+1)):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if err != nil && !transport.IsNotFound(err) {
			if isTimeout(err) {
				log.Warn().Str("venue", ex.Venue()).Str("coin", coin).Msg("ticker timeout")
			} else {
				log.Debug().Err(err).Str("venue", ex.Venue()).Str("coin", coin).Msg("ticker fetch failed")
			}
		}
		break
	}
	if !gotTicker {
		return nil
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return out
	}
	fctx, cancel := context.WithTimeout(ctx, fundingTimeout)
	if cfg.WantNextTime {
		info, err := venues.FundingInfoOf(fctx, ex, coin)
		if err == nil && info != nil {
			rate := info.Rate
			out.FundingRate = &rate
			out.NextFundingTime = info.NextFundingTime
		} else if err != nil {
			log.Debug().Err(err).Str("venue", ex.Venue()).Str("coin", coin).Msg("funding info unavailable")
		}
	} else {
		rate, err := ex.FundingRate(fctx, coin)
		if err == nil && rate != nil {
			out.FundingRate = rate
		} else if err != nil {
			log.Debug().Err(err).Str("venue", ex.Venue()).Str("coin", coin).Msg("funding unavailable")
		}
	}
	cancel()
	sem.Release(1)

	return out
}
