// Package scan holds the two long-running scanner loops (price-spread and
// funding-spread), the coin-universe collector and the opportunity
// evaluator that gates findings on liquidity and news risk.
package scan

// OpenSpreadPct is the entry spread for Long-at-askLong / Short-at-bidShort:
// (bidShort - askLong) / askLong * 100. Nil when inputs are unusable.
func OpenSpreadPct(askLong, bidShort *float64) *float64 {
	if askLong == nil || bidShort == nil || *askLong <= 0 {
		return nil
	}
	v := (*bidShort - *askLong) / *askLong * 100.0
	return &v
}

// ClosingSpreadPct is the exit spread for an open pair:
// (bidLong - askShort) / askShort * 100.
func ClosingSpreadPct(bidLong, askShort *float64) *float64 {
	if bidLong == nil || askShort == nil || *askShort <= 0 {
		return nil
	}
	v := (*bidLong - *askShort) / *askShort * 100.0
	return &v
}

// FundingSpreadPriceArb is the net funding PnL of the pair in percent:
// fundingShort - fundingLong (rates are decimals). Antisymmetric by
// construction.
func FundingSpreadPriceArb(fundingLong, fundingShort *float64) *float64 {
	if fundingLong == nil || fundingShort == nil {
		return nil
	}
	v := (*fundingShort - *fundingLong) * 100.0
	return &v
}

// FundingSpreadFundingArb is the funding-collection spread in percent:
// what the long leg receives (|rate| when negative, else nothing) minus
// what the short leg pays (always |rate|).
func FundingSpreadFundingArb(fundingLong, fundingShort *float64) *float64 {
	if fundingLong == nil || fundingShort == nil {
		return nil
	}
	receiveLong := 0.0
	if *fundingLong < 0 {
		receiveLong = -*fundingLong
	}
	payShort := *fundingShort
	if payShort < 0 {
		payShort = -payShort
	}
	v := (receiveLong - payShort) * 100.0
	return &v
}

// IsIgnoredCoin drops synthetic leverage tickers and similar: any coin
// whose first character is a digit.
func IsIgnoredCoin(coin string) bool {
	return coin != "" && coin[0] >= '0' && coin[0] <= '9'
}
