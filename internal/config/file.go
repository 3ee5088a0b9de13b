package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileOverrides is the optional YAML overlay applied on top of the
// environment snapshot. Only keys present in the file override; the fields
// are pointers (or slices), so an explicit zero or empty list is applied as
// given.
type FileOverrides struct {
	MinSpread                  *float64 `yaml:"min_spread"`
	MinFundingSpread           *float64 `yaml:"min_funding_spread"`
	MinFundingLongFilterForLog *float64 `yaml:"min_funding_long_filter_for_log"`
	MaxPriceSpread             *float64 `yaml:"max_price_spread"`
	MinTimeToPayMinutes        *float64 `yaml:"min_time_to_pay_minutes"`

	ScanIntervalSec        *float64 `yaml:"scan_interval_sec"`
	FundingScanIntervalSec *float64 `yaml:"funding_scan_interval_sec"`
	CoinBatchSize          *int     `yaml:"coin_batch_size"`

	MaxConcurrency         *int64 `yaml:"max_concurrency"`
	FundingMaxConcurrency  *int64 `yaml:"funding_max_concurrency"`
	AnalysisMaxConcurrency *int64 `yaml:"analysis_max_concurrency"`

	ScanCoinInvest  *float64 `yaml:"scan_coin_invest"`
	NewsCacheTTLSec *float64 `yaml:"news_cache_ttl_sec"`
	NewsDaysBack    *int     `yaml:"news_days_back"`

	ExcludeCoins     []string `yaml:"exclude_coins"`
	ExcludeExchanges []string `yaml:"exclude_exchanges"`

	OpsListenAddr *string `yaml:"ops_listen_addr"`
}

// ApplyFile overlays a YAML config file onto s. A missing path is an
// error; an empty path is a no-op.
func ApplyFile(s *Settings, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var o FileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	if o.MinSpread != nil {
		s.MinSpread = *o.MinSpread
	}
	if o.MinFundingSpread != nil {
		s.MinFundingSpread = *o.MinFundingSpread
	}
	if o.MinFundingLongFilterForLog != nil {
		s.MinFundingLongFilterForLog = *o.MinFundingLongFilterForLog
	}
	if o.MaxPriceSpread != nil {
		s.MaxPriceSpread = *o.MaxPriceSpread
	}
	if o.MinTimeToPayMinutes != nil {
		s.MinTimeToPayMinutes = *o.MinTimeToPayMinutes
	}
	if o.ScanIntervalSec != nil {
		s.ScanIntervalSec = *o.ScanIntervalSec
	}
	if o.FundingScanIntervalSec != nil {
		s.FundingScanIntervalSec = *o.FundingScanIntervalSec
	}
	if o.CoinBatchSize != nil {
		s.CoinBatchSize = *o.CoinBatchSize
	}
	if o.MaxConcurrency != nil {
		s.MaxConcurrency = *o.MaxConcurrency
	}
	if o.FundingMaxConcurrency != nil {
		s.FundingMaxConcurrency = *o.FundingMaxConcurrency
	}
	if o.AnalysisMaxConcurrency != nil {
		s.AnalysisMaxConcurrency = *o.AnalysisMaxConcurrency
	}
	if o.ScanCoinInvest != nil {
		s.ScanCoinInvest = *o.ScanCoinInvest
	}
	if o.NewsCacheTTLSec != nil {
		s.NewsCacheTTL = time.Duration(*o.NewsCacheTTLSec * float64(time.Second))
	}
	if o.NewsDaysBack != nil {
		s.NewsDaysBack = *o.NewsDaysBack
	}
	if o.ExcludeCoins != nil {
		s.ExcludeCoins = sliceToSet(o.ExcludeCoins, strings.ToUpper)
	}
	if o.ExcludeExchanges != nil {
		s.ExcludeExchanges = sliceToSet(o.ExcludeExchanges, strings.ToLower)
	}
	if o.OpsListenAddr != nil {
		s.OpsListenAddr = *o.OpsListenAddr
	}
	return nil
}

func sliceToSet(items []string, fold func(string) string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		if v := fold(strings.TrimSpace(it)); v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
