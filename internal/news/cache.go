package news

import (
	"context"
	"sync"
	"time"
)

// Verdicts is the cached risk outcome for one (coin, venue) pair.
type Verdicts struct {
	Delisting []Item
	Security  []Item
}

// LookupFunc resolves fresh verdicts for one (coin, venue); injected so the
// cache can be exercised without the network.
type LookupFunc func(ctx context.Context, coin, venue string) Verdicts

// RiskCache caches verdicts per (coin, venue) with a TTL. Caching per venue
// rather than per pair lets a (BTC, bybit) result be reused when the pair
// (BTC, bybit, gate) shows up later and only (BTC, gate) is missing.
type RiskCache struct {
	ttl    time.Duration
	lookup LookupFunc

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry

	now func() time.Time
}

type cacheKey struct {
	coin  string
	venue string
}

type cacheEntry struct {
	expires time.Time
	v       Verdicts
}

// NewRiskCache builds a cache with the given TTL and resolver.
func NewRiskCache(ttl time.Duration, lookup LookupFunc) *RiskCache {
	if ttl <= 0 {
		ttl = 180 * time.Second
	}
	return &RiskCache{
		ttl:     ttl,
		lookup:  lookup,
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// ForVenue returns verdicts for (coin, venue), consulting the resolver only
// on a miss or an expired entry.
func (c *RiskCache) ForVenue(ctx context.Context, coin, venue string) (Verdicts, bool) {
	key := cacheKey{coin: coin, venue: venue}
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && entry.expires.After(now) {
		c.mu.Unlock()
		return entry.v, true
	}
	c.mu.Unlock()

	v := c.lookup(ctx, coin, venue)

	c.mu.Lock()
	c.entries[key] = cacheEntry{expires: now.Add(c.ttl), v: v}
	c.mu.Unlock()
	return v, false
}

// ForPair merges verdicts for both legs of a trade, deduped by URL/title.
// The second return reports whether both legs were cache hits.
func (c *RiskCache) ForPair(ctx context.Context, coin, longVenue, shortVenue string) (Verdicts, bool) {
	longV, hit1 := c.ForVenue(ctx, coin, longVenue)
	shortV, hit2 := c.ForVenue(ctx, coin, shortVenue)
	merged := Verdicts{
		Delisting: DedupeByURL(append(append([]Item{}, longV.Delisting...), shortV.Delisting...)),
		Security:  DedupeByURL(append(append([]Item{}, longV.Security...), shortV.Security...)),
	}
	return merged, hit1 && hit2
}

// VenueLookup composes the standard per-venue resolution: announcements →
// delisting match (X fallback) → security match only when no delisting was
// found (X fallback again).
func VenueLookup(monitor *Monitor, xmon *XMonitor, daysBack int) LookupFunc {
	return func(ctx context.Context, coin, venue string) Verdicts {
		now := time.Now().UTC()
		var lookback *time.Time
		if daysBack > 0 {
			lb := now.Add(-time.Duration(daysBack)*24*time.Hour - lookbackBuffer)
			lookback = &lb
		}

		anns := monitor.FetchAnnouncements(ctx, 200, daysBack, []string{venue})
		delisting := monitor.FindDelistingNews(ctx, anns, coin, lookback)
		if len(delisting) == 0 && xmon != nil && xmon.Enabled() {
			delisting = DedupeByURL(append(delisting, xmon.FindDelistingNews(ctx, coin, []string{venue}, lookback)...))
		}

		var security []Item
		// The security pass runs only when delisting came back clean; a
		// delisted coin is already blocked and the extra fetches are noise.
		if len(delisting) == 0 {
			security = monitor.FindSecurityNews(ctx, anns, coin, lookback)
			if len(security) == 0 && xmon != nil && xmon.Enabled() {
				security = DedupeByURL(append(security, xmon.FindSecurityNews(ctx, coin, []string{venue}, lookback)...))
			}
		}
		return Verdicts{Delisting: delisting, Security: security}
	}
}
