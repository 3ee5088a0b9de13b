package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const xSearchURL = "https://api.twitter.com/2/tweets/search/recent"

// recent search reaches back ~7 days on the standard tier.
const xRecentWindow = 7 * 24 * time.Hour

var xHandleRe = regexp.MustCompile(`[^a-z0-9_]+`)

// XMonitor is an optional X (Twitter) recent-search source. With no bearer
// token every method returns nil without touching the network.
type XMonitor struct {
	bearerToken string
	cacheTTL    time.Duration
	maxResults  int
	http        *http.Client
	log         zerolog.Logger

	mu    sync.Mutex
	cache map[string]xCacheEntry

	searchURL string // test seam
	now       func() time.Time
}

type xCacheEntry struct {
	expires time.Time
	items   []Item
}

// NewXMonitor builds the X source. maxResults is clamped to [10, 100].
func NewXMonitor(bearerToken string, cacheTTL time.Duration, maxResults int, log zerolog.Logger) *XMonitor {
	if maxResults < 10 {
		maxResults = 10
	} else if maxResults > 100 {
		maxResults = 100
	}
	if cacheTTL <= 0 {
		cacheTTL = 180 * time.Second
	}
	return &XMonitor{
		bearerToken: strings.TrimSpace(bearerToken),
		cacheTTL:    cacheTTL,
		maxResults:  maxResults,
		http:        &http.Client{Timeout: 12 * time.Second},
		log:         log.With().Str("component", "xnews").Logger(),
		cache:       make(map[string]xCacheEntry),
		searchURL:   xSearchURL,
		now:         time.Now,
	}
}

// Enabled reports whether a bearer token is configured.
func (x *XMonitor) Enabled() bool { return x.bearerToken != "" }

func (x *XMonitor) coinQueryTerms(coin string) string {
	c := strings.ToUpper(coin)
	// Specific variants reduce false positives for short tickers (ALL, ONE).
	return fmt.Sprintf(`($%s OR %sUSDT OR "%s/USDT" OR "%s USDT")`, c, c, c, c)
}

func (x *XMonitor) exchangeQueryTerms(venues []string) string {
	var terms []string
	for _, v := range venues {
		if t := xHandleRe.ReplaceAllString(strings.ToLower(v), ""); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return ""
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// clampLookback bounds start_time to the recent-search window.
func (x *XMonitor) clampLookback(lookback *time.Time) *time.Time {
	minStart := x.now().UTC().Add(-xRecentWindow)
	if lookback == nil || lookback.Before(minStart) {
		return &minStart
	}
	return lookback
}

func (x *XMonitor) searchRecent(ctx context.Context, query string, startTime *time.Time) []Item {
	if !x.Enabled() {
		return nil
	}
	startKey := ""
	if startTime != nil {
		startKey = startTime.UTC().Format(time.RFC3339)
	}
	cacheKey := query + "|" + startKey

	now := x.now()
	x.mu.Lock()
	if entry, ok := x.cache[cacheKey]; ok && entry.expires.After(now) {
		x.mu.Unlock()
		return entry.items
	}
	x.mu.Unlock()

	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", fmt.Sprint(x.maxResults))
	params.Set("tweet.fields", "created_at")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username")
	if startKey != "" {
		params.Set("start_time", startKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.searchURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+x.bearerToken)

	var items []Item
	resp, err := x.http.Do(req)
	if err != nil {
		x.log.Debug().Err(err).Msg("x search error")
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		x.log.Debug().Int("status", resp.StatusCode).Str("body", truncateStr(string(body), 250)).Msg("x search failed")
	} else {
		var payload struct {
			Data []struct {
				ID        string `json:"id"`
				Text      string `json:"text"`
				CreatedAt string `json:"created_at"`
				AuthorID  string `json:"author_id"`
			} `json:"data"`
			Includes struct {
				Users []struct {
					ID       string `json:"id"`
					Username string `json:"username"`
				} `json:"users"`
			} `json:"includes"`
		}
		if err := json.Unmarshal(body, &payload); err == nil {
			users := make(map[string]string, len(payload.Includes.Users))
			for _, u := range payload.Includes.Users {
				users[u.ID] = u.Username
			}
			for _, tw := range payload.Data {
				tweetURL := ""
				if username := users[tw.AuthorID]; username != "" && tw.ID != "" {
					tweetURL = fmt.Sprintf("https://x.com/%s/status/%s", username, tw.ID)
				} else if tw.ID != "" {
					tweetURL = "https://x.com/i/web/status/" + tw.ID
				}
				createdAt := time.Time{}
				if t, err := time.Parse(time.RFC3339, tw.CreatedAt); err == nil {
					createdAt = t.UTC()
				}
				title := strings.TrimSpace(strings.ReplaceAll(tw.Text, "\n", " "))
				if len(title) > 280 {
					title = title[:280]
				}
				items = append(items, Item{
					Title:       title,
					URL:         tweetURL,
					Source:      "x",
					PublishedAt: createdAt,
				})
			}
		}
	}

	items = DedupeByURL(items)
	x.mu.Lock()
	x.cache[cacheKey] = xCacheEntry{expires: now.Add(x.cacheTTL), items: items}
	x.mu.Unlock()
	return items
}

// FindDelistingNews searches recent posts that read like delisting
// announcements for the coin, optionally scoped to venue names.
func (x *XMonitor) FindDelistingNews(ctx context.Context, coin string, venues []string, lookback *time.Time) []Item {
	if !x.Enabled() {
		return nil
	}
	start := x.clampLookback(lookback)
	delistTerms := `(delist OR delisting OR "will delist" OR "to delist" OR "remove" OR ` +
		`"trading will be suspended" OR "suspend trading" OR "terminate" OR "remove trading" OR ` +
		`"perpetual" OR "futures" OR "contract")`
	parts := []string{x.coinQueryTerms(coin), delistTerms}
	if ex := x.exchangeQueryTerms(venues); ex != "" {
		parts = append(parts, ex)
	}
	query := strings.Join(parts, " ") + " -is:retweet"

	items := x.searchRecent(ctx, query, start)
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, it.withTag("delisting").withTag("x"))
	}
	return out
}

// FindSecurityNews searches recent posts that read like hack/exploit news
// for the coin.
func (x *XMonitor) FindSecurityNews(ctx context.Context, coin string, venues []string, lookback *time.Time) []Item {
	if !x.Enabled() {
		return nil
	}
	start := x.clampLookback(lookback)
	secTerms := `(security OR hack OR hacked OR exploit OR exploited OR breach OR compromised OR ` +
		`vulnerab* OR phishing OR scam OR rug OR "funds stolen" OR stolen OR drain OR drained OR attacker OR ` +
		`взлом OR уязв* OR фишинг OR мошенн* OR украл* OR краж*)`
	parts := []string{x.coinQueryTerms(coin), secTerms}
	if ex := x.exchangeQueryTerms(venues); ex != "" {
		parts = append(parts, ex)
	}
	query := strings.Join(parts, " ") + " -is:retweet"

	items := x.searchRecent(ctx, query, start)
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, it.withTag("security").withTag("x"))
	}
	return out
}
