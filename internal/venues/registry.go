package venues

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes adapter construction; zero values fall back to the
// calibrated defaults in each constructor and in the transport.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Retries        int
	Backoff        time.Duration

	// MEXC needs gentler timeouts and a strict in-flight cap.
	MexcRequestTimeout  time.Duration
	MexcMaxInflight     int
	MexcTickerCacheTTL  time.Duration
	MexcFundingCacheTTL time.Duration

	// BaseURLs overrides venue endpoints (tests, mirrors); key is the venue
	// id, and for the MEXC fallback host the key is "mexc-fallback".
	BaseURLs map[string]string

	Logger zerolog.Logger
}

// baseURL resolves the endpoint for a venue, honoring overrides.
func (o Options) baseURL(venue, def string) string {
	if u, ok := o.BaseURLs[venue]; ok && u != "" {
		return u
	}
	return def
}

// Registry owns one adapter per enabled venue.
type Registry struct {
	exchanges map[string]Exchange
}

// NewRegistry builds every known adapter except those in exclude.
func NewRegistry(o Options, exclude map[string]struct{}) *Registry {
	all := map[string]func(Options) Exchange{
		Bybit:   func(o Options) Exchange { return NewBybit(o) },
		Gate:    func(o Options) Exchange { return NewGate(o) },
		Mexc:    func(o Options) Exchange { return NewMexc(o) },
		XT:      func(o Options) Exchange { return NewXT(o) },
		Binance: func(o Options) Exchange { return NewBinance(o) },
		Bitget:  func(o Options) Exchange { return NewBitget(o) },
		OKX:     func(o Options) Exchange { return NewOKX(o) },
		BingX:   func(o Options) Exchange { return NewBingX(o) },
		LBank:   func(o Options) Exchange { return NewLBank(o) },
	}
	r := &Registry{exchanges: make(map[string]Exchange, len(all))}
	for name, build := range all {
		if _, skip := exclude[name]; skip {
			continue
		}
		r.exchanges[name] = build(o)
	}
	return r
}

// Get returns the adapter for a venue id, or nil.
func (r *Registry) Get(venue string) Exchange {
	return r.exchanges[venue]
}

// Has reports whether the venue is registered.
func (r *Registry) Has(venue string) bool {
	_, ok := r.exchanges[venue]
	return ok
}

// Names returns the registered venue ids, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.exchanges))
	for name := range r.exchanges {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases every adapter's connection pool.
func (r *Registry) Close() {
	for _, ex := range r.exchanges {
		ex.Close()
	}
}
