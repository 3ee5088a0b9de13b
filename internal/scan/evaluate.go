package scan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/sogdian/perparb/internal/market"
	"github.com/sogdian/perparb/internal/news"
	"github.com/sogdian/perparb/internal/venues"
)

// Opportunity is one evaluated Long/Short pairing.
type Opportunity struct {
	Coin                string
	LongVenue           string
	ShortVenue          string
	PriceSpreadPct      float64
	FundingSpreadPct    *float64
	MinutesUntilFunding *int
	LongData            *VenueData
	ShortData           *VenueData
	LongLiquidity       *market.LiquidityReport
	ShortLiquidity      *market.LiquidityReport
	Delisting           []news.Item
	Security            []news.Item
	Favorable           bool
	Reasons             []string
}

// TotalSpreadPct is price spread plus funding spread when known.
func (o *Opportunity) TotalSpreadPct() float64 {
	total := o.PriceSpreadPct
	if o.FundingSpreadPct != nil {
		total += *o.FundingSpreadPct
	}
	return total
}

// Evaluator runs the deep checks (liquidity + news risk) on candidate
// pairings under a bounded analysis semaphore.
type Evaluator struct {
	Registry     *venues.Registry
	Risk         *news.RiskCache
	InvestUSDT   float64
	MinSpread    float64
	MinFunding   float64
	MinTimeToPay float64 // minutes
	AnalysisSem  *semaphore.Weighted
	Log          zerolog.Logger
	Now          func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// checkLiquidityBoth runs the entry-side liquidity checks on both legs.
func (e *Evaluator) checkLiquidityBoth(ctx context.Context, coin, longVenue, shortVenue string) (longLiq, shortLiq *market.LiquidityReport, ok bool) {
	longEx := e.Registry.Get(longVenue)
	shortEx := e.Registry.Get(shortVenue)
	if longEx == nil || shortEx == nil {
		return nil, nil, false
	}
	type result struct {
		rep *market.LiquidityReport
	}
	longCh := make(chan result, 1)
	go func() {
		rep, err := longEx.CheckLiquidity(ctx, coin, e.InvestUSDT, 50, 30.0, 50.0, market.EntryLong)
		if err != nil {
			rep = nil
		}
		longCh <- result{rep}
	}()
	shortRep, err := shortEx.CheckLiquidity(ctx, coin, e.InvestUSDT, 50, 30.0, 50.0, market.EntryShort)
	if err != nil {
		shortRep = nil
	}
	longRes := <-longCh
	longLiq, shortLiq = longRes.rep, shortRep
	ok = longLiq != nil && longLiq.OK && shortLiq != nil && shortLiq.OK
	return longLiq, shortLiq, ok
}

// EvaluatePrice runs the full verdict for a price-spread candidate and logs
// the single verdict line. Returns the opportunity; Favorable marks ones
// worth surfacing.
func (e *Evaluator) EvaluatePrice(ctx context.Context, coin, longVenue, shortVenue string, openSpreadPct float64, longData, shortData *VenueData) *Opportunity {
	if err := e.AnalysisSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer e.AnalysisSem.Release(1)

	opp := &Opportunity{
		Coin:           coin,
		LongVenue:      longVenue,
		ShortVenue:     shortVenue,
		PriceSpreadPct: openSpreadPct,
		LongData:       longData,
		ShortData:      shortData,
	}
	if longData != nil && shortData != nil {
		opp.FundingSpreadPct = FundingSpreadPriceArb(longData.FundingRate, shortData.FundingRate)
	}

	longLiq, shortLiq, liqOK := e.checkLiquidityBoth(ctx, coin, longVenue, shortVenue)
	opp.LongLiquidity, opp.ShortLiquidity = longLiq, shortLiq

	verdicts, _ := e.Risk.ForPair(ctx, coin, longVenue, shortVenue)
	opp.Delisting, opp.Security = verdicts.Delisting, verdicts.Security
	newsOK := len(verdicts.Delisting) == 0 && len(verdicts.Security) == 0

	opp.Favorable = liqOK && newsOK
	opp.Reasons = e.rejectReasons(opp, liqOK)
	e.logVerdictLine(opp, "Спред на цену", "Фандинг")
	return opp
}

// EvaluateFunding runs the funding-arb verdict: early rejects by spread,
// funding and time-to-pay criteria, then liquidity + news.
func (e *Evaluator) EvaluateFunding(ctx context.Context, coin, longVenue, shortVenue string, openSpreadPct, fundingSpreadPct *float64, longData, shortData *VenueData) *Opportunity {
	if err := e.AnalysisSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer e.AnalysisSem.Release(1)

	opp := &Opportunity{
		Coin:             coin,
		LongVenue:        longVenue,
		ShortVenue:       shortVenue,
		FundingSpreadPct: fundingSpreadPct,
		LongData:         longData,
		ShortData:        shortData,
	}
	if openSpreadPct != nil {
		opp.PriceSpreadPct = *openSpreadPct
	}
	now := e.now()
	if longData != nil {
		opp.MinutesUntilFunding = market.MinutesUntilFunding(longData.NextFundingTime, now)
	}

	// Early rejects log one line and skip the expensive checks.
	switch {
	case openSpreadPct == nil:
		e.logEarlyReject(opp, openSpreadPct, "спред цен: нет данных")
		return opp
	case fundingSpreadPct == nil:
		e.logEarlyReject(opp, openSpreadPct, "фандинг: нет данных")
		return opp
	case *fundingSpreadPct < e.MinFunding:
		e.logEarlyReject(opp, openSpreadPct, fmt.Sprintf("фандинг %.3f%% < %g%%", *fundingSpreadPct, e.MinFunding))
		return opp
	case opp.MinutesUntilFunding != nil && float64(*opp.MinutesUntilFunding) >= e.MinTimeToPay:
		e.logEarlyReject(opp, openSpreadPct, fmt.Sprintf("время выпл. на Long %d мин >= %.0f мин", *opp.MinutesUntilFunding, e.MinTimeToPay))
		return opp
	}

	longLiq, shortLiq, liqOK := e.checkLiquidityBoth(ctx, coin, longVenue, shortVenue)
	opp.LongLiquidity, opp.ShortLiquidity = longLiq, shortLiq

	verdicts, _ := e.Risk.ForPair(ctx, coin, longVenue, shortVenue)
	opp.Delisting, opp.Security = verdicts.Delisting, verdicts.Security
	newsOK := len(verdicts.Delisting) == 0 && len(verdicts.Security) == 0

	opp.Favorable = liqOK && newsOK
	opp.Reasons = e.rejectReasons(opp, liqOK)
	e.logVerdictLine(opp, "Спред цен", "Фанд")
	return opp
}

func (e *Evaluator) rejectReasons(opp *Opportunity, liqOK bool) []string {
	if opp.Favorable {
		return nil
	}
	var reasons []string
	if !liqOK {
		if opp.LongLiquidity != nil && !opp.LongLiquidity.OK && len(opp.LongLiquidity.Reasons) > 0 {
			reasons = append(reasons, "ликв. Long: "+strings.Join(opp.LongLiquidity.Reasons, "; "))
		}
		if opp.ShortLiquidity != nil && !opp.ShortLiquidity.OK && len(opp.ShortLiquidity.Reasons) > 0 {
			reasons = append(reasons, "ликв. Short: "+strings.Join(opp.ShortLiquidity.Reasons, "; "))
		}
		if opp.LongLiquidity == nil || opp.ShortLiquidity == nil {
			reasons = append(reasons, "ликвидность недоступна")
		}
	}
	if len(opp.Delisting) > 0 {
		reasons = append(reasons, "делистинг")
	}
	if len(opp.Security) > 0 {
		reasons = append(reasons, "безопасность")
	}
	return reasons
}

func fmtPct(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.3f%%", *v)
}

// fundingAt renders "−2.00% 8 мин" / "8 мин" / "N/A" for one leg.
func fundingAt(data *VenueData, m *int) string {
	if m == nil {
		return "N/A"
	}
	if data != nil && data.FundingRate != nil {
		return fmt.Sprintf("%.2f%% %d мин", *data.FundingRate*100, *m)
	}
	return fmt.Sprintf("%d мин", *m)
}

func (e *Evaluator) logEarlyReject(opp *Opportunity, openSpread *float64, reason string) {
	var mShort *int
	if opp.ShortData != nil {
		mShort = market.MinutesUntilFunding(opp.ShortData.NextFundingTime, e.now())
	}
	totalStr := "N/A"
	if openSpread != nil && opp.FundingSpreadPct != nil {
		totalStr = fmt.Sprintf("%.3f%%", *openSpread+*opp.FundingSpreadPct)
	}
	e.Log.Info().Msg(fmt.Sprintf(
		"%s Long (%s), Short (%s) Спред цен: %s | Фанд: %s (L: %s | S: %s) | Общий: %s ❌ не арбит. (%s)",
		opp.Coin, opp.LongVenue, opp.ShortVenue,
		fmtPct(openSpread), fmtPct(opp.FundingSpreadPct),
		fundingAt(opp.LongData, opp.MinutesUntilFunding), fundingAt(opp.ShortData, mShort),
		totalStr, reason,
	))
}

func (e *Evaluator) logVerdictLine(opp *Opportunity, priceLabel, fundingLabel string) {
	verdict := "❌ не арбитражить"
	if opp.Favorable {
		verdict = "✅ арбитражить"
	}
	coinsInfo := ""
	if opp.Favorable && opp.LongData != nil && opp.ShortData != nil &&
		opp.LongData.Ask != nil && opp.ShortData.Bid != nil &&
		*opp.LongData.Ask > 0 && *opp.ShortData.Bid > 0 {
		coinsInfo = fmt.Sprintf(" (%s: %.3f %s, %s: %.3f %s)",
			opp.LongVenue, e.InvestUSDT / *opp.LongData.Ask, opp.Coin,
			opp.ShortVenue, e.InvestUSDT / *opp.ShortData.Bid, opp.Coin)
	}
	reasonsStr := ""
	if len(opp.Reasons) > 0 {
		reasonsStr = " (" + strings.Join(opp.Reasons, "; ") + ")"
	}
	e.Log.Info().Msg(fmt.Sprintf(
		"💰 %s Long (%s), Short (%s) %s: %.3f%% | %s: %s | Спред общий: %.3f%% %s%s%s",
		opp.Coin, opp.LongVenue, opp.ShortVenue,
		priceLabel, opp.PriceSpreadPct,
		fundingLabel, fmtPct(opp.FundingSpreadPct),
		opp.TotalSpreadPct(), verdict, coinsInfo, reasonsStr,
	))
}
