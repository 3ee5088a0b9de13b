package scan

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sogdian/perparb/internal/venues"
)

// VenueData is the per-venue market snapshot one coin evaluation works on.
type VenueData struct {
	Price           *float64
	Bid             *float64
	Ask             *float64
	FundingRate     *float64
	NextFundingTime *int64
}

// HasTopOfBook reports whether both sides of the quote are present.
func (d *VenueData) HasTopOfBook() bool {
	return d != nil && d.Bid != nil && d.Ask != nil
}

// CollectCoinsByVenue fans AllFuturesCoins out over the venue list and
// filters digit-prefixed and excluded coins. A failing venue contributes an
// empty set rather than failing the cycle.
func CollectCoinsByVenue(
	ctx context.Context,
	reg *venues.Registry,
	venueNames []string,
	excludeCoins map[string]struct{},
	log zerolog.Logger,
) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(venueNames))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, name := range venueNames {
		name := name
		ex := reg.Get(name)
		if ex == nil {
			continue
		}
		g.Go(func() error {
			coins, err := ex.AllFuturesCoins(gctx)
			filtered := make(map[string]struct{})
			if err != nil {
				log.Warn().Err(err).Str("venue", name).Msg("coin list unavailable")
			} else {
				for coin := range coins {
					c := strings.ToUpper(coin)
					if IsIgnoredCoin(c) {
						continue
					}
					if _, skip := excludeCoins[c]; skip {
						continue
					}
					filtered[c] = struct{}{}
				}
			}
			mu.Lock()
			out[name] = filtered
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// BuildUnion returns the sorted union of all venue coin sets.
func BuildUnion(coinsByVenue map[string]map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, set := range coinsByVenue {
		for coin := range set {
			seen[coin] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for coin := range seen {
		out = append(out, coin)
	}
	sort.Strings(out)
	return out
}
