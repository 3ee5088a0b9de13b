// Package config snapshots every tunable from the environment (optionally
// seeded from a .env file) into one immutable Settings value.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings carries the enumerated configuration keys. Defaults mirror the
// values the scanners were tuned with in production.
type Settings struct {
	// Spread thresholds (percent).
	MinSpread                  float64 // MIN_SPREAD
	MinFundingSpread           float64 // MIN_FUNDING_SPREAD
	MinFundingLongFilterForLog float64 // MIN_FUNDING_LONG_FILTER_FOR_LOG
	MaxPriceSpread             float64 // MAX_PRICE_SPREAD
	MinTimeToPayMinutes        float64 // SCAN_FUNDING_MIN_TIME_TO_PAY

	// Loop pacing.
	ScanIntervalSec        float64 // SCAN_INTERVAL_SEC
	FundingScanIntervalSec float64 // SCAN_FUNDING_INTERVAL_SEC
	CoinBatchSize          int     // SCAN_COIN_BATCH_SIZE

	// Concurrency bounds.
	MaxConcurrency         int64 // SCAN_MAX_CONCURRENCY
	FundingMaxConcurrency  int64 // SCAN_FUNDING_MAX_CONCURRENCY
	AnalysisMaxConcurrency int64 // SCAN_ANALYSIS_MAX_CONCURRENCY

	// Per-call deadlines.
	TickerTimeout      time.Duration // SCAN_TICKER_TIMEOUT_SEC
	FundingTimeout     time.Duration // SCAN_FUNDING_TIMEOUT_SEC
	RequestTimeout     time.Duration // SCAN_REQ_TIMEOUT_SEC
	MexcRequestTimeout time.Duration // SCAN_FUNDING_MEXC_REQ_TIMEOUT_SEC
	FetchRetries       int           // SCAN_FETCH_RETRIES
	FetchRetryBackoff  time.Duration // SCAN_FETCH_RETRY_BACKOFF_SEC

	// Exchange HTTP layer.
	ExchangeConnectTimeout time.Duration // EXCHANGE_CONNECT_TIMEOUT_SEC
	ExchangeRWTimeout      time.Duration // EXCHANGE_RW_TIMEOUT_SEC
	ExchangeHTTPRetries    int           // EXCHANGE_HTTP_RETRIES
	ExchangeRetryBackoff   time.Duration // EXCHANGE_HTTP_RETRY_BACKOFF_SEC
	MexcHTTPTimeout        time.Duration // MEXC_HTTP_TIMEOUT_SEC
	MexcMaxInflight        int           // MEXC_HTTP_MAX_INFLIGHT
	MexcTickerCacheTTL     time.Duration // MEXC_TICKER_CACHE_TTL_SEC
	MexcFundingCacheTTL    time.Duration // MEXC_FUNDING_CACHE_TTL_SEC

	// Evaluator.
	ScanCoinInvest float64       // SCAN_COIN_INVEST
	NewsCacheTTL   time.Duration // SCAN_NEWS_CACHE_TTL_SEC
	NewsDaysBack   int           // NEWS_DAYS_BACK

	// Universe filters.
	ExcludeCoins     map[string]struct{} // EXCLUDE_COINS
	ExcludeExchanges map[string]struct{} // EXCLUDE_EXCHANGES

	// News extras.
	BinanceCookie   string        // BINANCE_COOKIE
	XBearerToken    string        // X_BEARER_TOKEN
	XNewsCacheTTL   time.Duration // X_NEWS_CACHE_TTL_SEC
	XNewsMaxResults int           // X_NEWS_MAX_RESULTS

	// Execution credentials.
	BybitAPIKey     string // BYBIT_API_KEY
	BybitAPISecret  string // BYBIT_API_SECRET
	GateAPIKey      string // GATEIO_API_KEY
	GateAPISecret   string // GATEIO_API_SECRET
	BybitRecvWindow time.Duration // BYBIT_RECV_WINDOW (ms)

	// Ops endpoint; empty disables the listener.
	OpsListenAddr string // OPS_LISTEN_ADDR
}

// Load reads .env (without overriding the process environment) and builds a
// Settings snapshot.
func Load() Settings {
	// Missing .env is fine; a broken one must not kill the process.
	_ = godotenv.Load(".env")

	reqTimeout := envSeconds("SCAN_REQ_TIMEOUT_SEC", 12)
	s := Settings{
		MinSpread:                  envFloat("MIN_SPREAD", 2),
		MinFundingSpread:           envFloat("MIN_FUNDING_SPREAD", 1.5),
		MinFundingLongFilterForLog: envFloat("MIN_FUNDING_LONG_FILTER_FOR_LOG", -0.5),
		MaxPriceSpread:             envFloat("MAX_PRICE_SPREAD", 0.5),
		MinTimeToPayMinutes:        envFloat("SCAN_FUNDING_MIN_TIME_TO_PAY", 60),

		ScanIntervalSec:        envFloat("SCAN_INTERVAL_SEC", 5),
		FundingScanIntervalSec: envFloat("SCAN_FUNDING_INTERVAL_SEC", 60),
		CoinBatchSize:          envInt("SCAN_COIN_BATCH_SIZE", 50),

		MaxConcurrency:         int64(envInt("SCAN_MAX_CONCURRENCY", 40)),
		FundingMaxConcurrency:  int64(envInt("SCAN_FUNDING_MAX_CONCURRENCY", 20)),
		AnalysisMaxConcurrency: int64(envInt("SCAN_ANALYSIS_MAX_CONCURRENCY", 2)),

		TickerTimeout:      envSeconds("SCAN_TICKER_TIMEOUT_SEC", reqTimeout.Seconds()),
		FundingTimeout:     envSeconds("SCAN_FUNDING_TIMEOUT_SEC", reqTimeout.Seconds()),
		RequestTimeout:     reqTimeout,
		MexcRequestTimeout: envSeconds("SCAN_FUNDING_MEXC_REQ_TIMEOUT_SEC", 45),
		FetchRetries:       envInt("SCAN_FETCH_RETRIES", 1),
		FetchRetryBackoff:  envSeconds("SCAN_FETCH_RETRY_BACKOFF_SEC", 0.6),

		ExchangeConnectTimeout: envSeconds("EXCHANGE_CONNECT_TIMEOUT_SEC", 5),
		ExchangeRWTimeout:      envSeconds("EXCHANGE_RW_TIMEOUT_SEC", 8),
		ExchangeHTTPRetries:    envInt("EXCHANGE_HTTP_RETRIES", 1),
		ExchangeRetryBackoff:   envSeconds("EXCHANGE_HTTP_RETRY_BACKOFF_SEC", 0.35),
		MexcHTTPTimeout:        envSeconds("MEXC_HTTP_TIMEOUT_SEC", 25),
		MexcMaxInflight:        envInt("MEXC_HTTP_MAX_INFLIGHT", 5),
		MexcTickerCacheTTL:     envSeconds("MEXC_TICKER_CACHE_TTL_SEC", 2),
		MexcFundingCacheTTL:    envSeconds("MEXC_FUNDING_CACHE_TTL_SEC", 5),

		ScanCoinInvest: envFloat("SCAN_COIN_INVEST", 50),
		NewsCacheTTL:   envSeconds("SCAN_NEWS_CACHE_TTL_SEC", 180),
		NewsDaysBack:   envInt("NEWS_DAYS_BACK", 60),

		ExcludeCoins:     envSet("EXCLUDE_COINS", nil, strings.ToUpper),
		ExcludeExchanges: envSet("EXCLUDE_EXCHANGES", []string{"lbank"}, strings.ToLower),

		BinanceCookie:   strings.TrimSpace(os.Getenv("BINANCE_COOKIE")),
		XBearerToken:    strings.TrimSpace(os.Getenv("X_BEARER_TOKEN")),
		XNewsCacheTTL:   envSeconds("X_NEWS_CACHE_TTL_SEC", 180),
		XNewsMaxResults: envInt("X_NEWS_MAX_RESULTS", 25),

		BybitAPIKey:     strings.TrimSpace(os.Getenv("BYBIT_API_KEY")),
		BybitAPISecret:  strings.TrimSpace(os.Getenv("BYBIT_API_SECRET")),
		GateAPIKey:      strings.TrimSpace(os.Getenv("GATEIO_API_KEY")),
		GateAPISecret:   strings.TrimSpace(os.Getenv("GATEIO_API_SECRET")),
		BybitRecvWindow: time.Duration(envInt("BYBIT_RECV_WINDOW", 5000)) * time.Millisecond,

		OpsListenAddr: strings.TrimSpace(os.Getenv("OPS_LISTEN_ADDR")),
	}
	if s.XNewsMaxResults < 10 {
		s.XNewsMaxResults = 10
	} else if s.XNewsMaxResults > 100 {
		s.XNewsMaxResults = 100
	}
	return s
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def float64) time.Duration {
	return time.Duration(envFloat(key, def) * float64(time.Second))
}

// envSet parses a comma-separated list into a set, canonicalized by fold.
func envSet(key string, def []string, fold func(string) string) map[string]struct{} {
	out := make(map[string]struct{})
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		for _, d := range def {
			out[fold(d)] = struct{}{}
		}
		return out
	}
	for _, part := range strings.Split(v, ",") {
		if p := fold(strings.TrimSpace(part)); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
