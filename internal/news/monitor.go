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
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	// lookbackBuffer keeps events on the exact days-back boundary.
	lookbackBuffer = 6 * time.Hour
)

var (
	linkRe      = regexp.MustCompile(`(?i)article|announcement|support|help|square|post`)
	denyPathRe  = regexp.MustCompile(`(?i)/categories?/|/sections?/|/tag/|/search|/login|/register`)
	titleClassRe = regexp.MustCompile(`(?i)title|heading|name`)
	bodyClassRe  = regexp.MustCompile(`(?i)content|body|description|text|summary`)
	cardClassRe  = regexp.MustCompile(`(?i)article|announcement|news|support`)
)

// announcementURLs maps venue id to the listing pages scraped for it.
// Bybit is absent here: it has a JSON announcements API.
var announcementURLs = map[string][]string{
	"mexc": {
		"https://www.mexc.com/ru-RU/announcements/help-faq/deposits-withdrawals-36",
		"https://www.mexc.com/ru-RU/announcements/delistings",
		"https://www.mexc.com/ru-RU/announcements/tag/deposits-withdrawals-36",
	},
	"gate": {
		"https://www.gate.com/ru/announcements/deposit-withdrawal",
		"https://www.gate.com/ru/announcements/delisted",
	},
	"xt": {
		"https://xtsupport.zendesk.com/hc/en-us/sections/360000106872-Announcements",
		"https://www.xt.com/en/support/articles/announcements",
	},
	"binance": {
		"https://www.binance.com/en/support/announcement",
	},
	"bitget": {
		"https://www.bitgetapp.com/support/articles",
		"https://www.bitgetapp.com/support/articles/category/delisting",
	},
	"okx": {
		"https://www.okx.com/support/hc/en-us/sections/360000030652-Latest-Announcements",
		"https://www.okx.com/support/hc/en-us/categories/115000275432-Announcements",
	},
	"bingx": {
		"https://support.bingx.com/hc/en-us/sections/360000197872-Announcements",
		"https://support.bingx.com/hc/en-us/categories/360000197872-Announcements",
	},
}

const bybitAnnouncementsURL = "https://api.bybit.com/v5/announcements/index"

// Monitor fetches and parses exchange announcements.
type Monitor struct {
	http          *http.Client
	log           zerolog.Logger
	binanceCookie string
	warnedWAF     bool

	// test seams
	bybitURL    string
	listingURLs map[string][]string
	now         func() time.Time
}

// NewMonitor builds an announcements monitor. binanceCookie, when set, is
// attached to binance.com article fetches to pass the AWS WAF.
func NewMonitor(binanceCookie string, log zerolog.Logger) *Monitor {
	return &Monitor{
		http: &http.Client{Timeout: 10 * time.Second},
		log:           log.With().Str("component", "news").Logger(),
		binanceCookie: binanceCookie,
		bybitURL:      bybitAnnouncementsURL,
		listingURLs:   announcementURLs,
		now:           time.Now,
	}
}

func (m *Monitor) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	if m.binanceCookie != "" && strings.HasSuffix(strings.ToLower(req.URL.Hostname()), "binance.com") {
		req.Header.Set("Cookie", m.binanceCookie)
	}
	return m.http.Do(req)
}

// FetchAnnouncements collects announcements for the given venues (nil means
// all known venues) going back daysBack days, newest first, deduped by URL.
func (m *Monitor) FetchAnnouncements(ctx context.Context, limit, daysBack int, venues []string) []Item {
	if limit <= 0 {
		limit = 100
	}
	now := m.now().UTC()
	lookback := now.Add(-time.Duration(daysBack)*24*time.Hour - lookbackBuffer)

	targets := make(map[string][]string)
	wantBybit := venues == nil
	if venues == nil {
		for v, urls := range m.listingURLs {
			targets[v] = urls
		}
	} else {
		for _, v := range venues {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "bybit" {
				wantBybit = true
				continue
			}
			if urls, ok := m.listingURLs[v]; ok {
				targets[v] = urls
			}
		}
	}

	var all []Item
	results := make(chan []Item, len(targets)+1)
	g, gctx := errgroup.WithContext(ctx)
	if wantBybit {
		g.Go(func() error {
			results <- m.fetchBybit(gctx, min(limit, 200), daysBack)
			return nil
		})
	}
	for venue, urls := range targets {
		venue, urls := venue, urls
		g.Go(func() error {
			results <- m.scrapeListings(gctx, venue, urls, limit, lookback, now)
			return nil
		})
	}
	g.Wait()
	close(results)
	for chunk := range results {
		all = append(all, chunk...)
	}

	// Drop anything with a hard date beyond the lookback window.
	filtered := all[:0]
	for _, it := range all {
		if it.PublishedAt.IsZero() {
			continue
		}
		if it.PublishedAt.After(lookback) {
			filtered = append(filtered, it)
		}
	}
	SortNewestFirst(filtered)
	filtered = DedupeByURL(filtered)
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// fetchBybit pages the official announcements API, stopping early once the
// newest-first list crosses the cutoff date.
func (m *Monitor) fetchBybit(ctx context.Context, limit, daysBack int) []Item {
	now := m.now().UTC()
	cutoff := now.Add(-time.Duration(daysBack)*24*time.Hour - lookbackBuffer)
	pageLimit := min(50, limit)
	var out []Item

	for page := 1; page <= 50; page++ {
		params := url.Values{}
		params.Set("locale", "en-US")
		params.Set("page", fmt.Sprint(page))
		params.Set("limit", fmt.Sprint(pageLimit))

		resp, err := m.get(ctx, m.bybitURL+"?"+params.Encode())
		if err != nil {
			m.log.Warn().Err(err).Msg("bybit announcements fetch failed")
			break
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			m.log.Warn().Int("status", resp.StatusCode).Msg("bybit announcements status")
			break
		}

		var payload struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
			Result  struct {
				Total int `json:"total"`
				List  []struct {
					Title       string `json:"title"`
					Description string `json:"description"`
					URL         string `json:"url"`
					PublishTime int64  `json:"publishTime"`
					Type        struct {
						Key   string `json:"key"`
						Title string `json:"title"`
					} `json:"type"`
					Tags []string `json:"tags"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.RetCode != 0 {
			m.log.Warn().Str("retMsg", payload.RetMsg).Msg("bybit announcements API error")
			break
		}
		if len(payload.Result.List) == 0 {
			break
		}

		stop := false
		for _, it := range payload.Result.List {
			title := strings.TrimSpace(it.Title)
			u := NormalizeURL(strings.TrimSpace(it.URL))
			if title == "" || u == "" {
				continue
			}
			publishedAt := now
			if it.PublishTime > 0 {
				publishedAt = time.UnixMilli(it.PublishTime).UTC()
			}
			if publishedAt.Before(cutoff) {
				// newest-first: nothing older is relevant
				stop = true
				break
			}
			body := it.Description
			if len(body) > 1000 {
				body = body[:1000]
			}
			tags := []string{"Bybit", "exchange", "announcement", it.Type.Key, it.Type.Title}
			tags = append(tags, it.Tags...)
			out = append(out, Item{
				Title:       title,
				Body:        body,
				URL:         u,
				Source:      "bybit",
				PublishedAt: publishedAt,
				Tags:        tags,
			})
		}
		out = DedupeByURL(out)
		if stop || len(out) >= limit {
			break
		}
		if page*pageLimit >= payload.Result.Total {
			break
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return out
		}
	}

	SortNewestFirst(out)
	out = DedupeByURL(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// scrapeListings pulls each category page and extracts announcement cards.
func (m *Monitor) scrapeListings(ctx context.Context, venue string, urls []string, limit int, lookback, now time.Time) []Item {
	seen := make(map[string]struct{})
	var out []Item

	for _, listURL := range urls {
		if len(out) >= limit {
			break
		}
		resp, err := m.get(ctx, listURL)
		if err != nil {
			m.log.Debug().Err(err).Str("venue", venue).Str("url", listURL).Msg("listing fetch failed")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			m.log.Debug().Int("status", resp.StatusCode).Str("venue", venue).Str("url", listURL).Msg("listing status")
			continue
		}
		doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()
		if err != nil {
			continue
		}
		base, err := url.Parse(listURL)
		if err != nil {
			continue
		}
		out = append(out, m.parseListing(doc, base, venue, limit-len(out), lookback, now, seen)...)
	}
	if len(out) > 0 {
		m.log.Debug().Str("venue", venue).Int("items", len(out)).Msg("announcements loaded")
	}
	return DedupeByURL(out)
}

func (m *Monitor) parseListing(doc *goquery.Document, base *url.URL, venue string, limit int, lookback, now time.Time, seen map[string]struct{}) []Item {
	var out []Item

	// Candidate cards: announcement-looking anchors plus anchor-bearing
	// article/div containers.
	var cards []*goquery.Selection
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if linkRe.MatchString(href) {
			cards = append(cards, s)
		}
	})
	doc.Find("article,div").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		if cardClassRe.MatchString(class) {
			cards = append(cards, s)
		}
	})

	maxCards := limit * 10
	if maxCards < 200 {
		maxCards = 200
	}
	if maxCards > 2000 {
		maxCards = 2000
	}
	if len(cards) > maxCards {
		cards = cards[:maxCards]
	}

	for _, card := range cards {
		if len(out) >= limit {
			break
		}
		anchor := card
		if goquery.NodeName(card) != "a" {
			anchor = card.Find("a[href]").First()
			if anchor.Length() == 0 {
				continue
			}
		}
		href, _ := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			continue
		}
		if !strings.HasPrefix(href, "http") {
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			href = base.ResolveReference(ref).String()
		}
		// The fragment never reaches the server; the query may matter for
		// locale routing and is kept on the stored URL.
		href = strings.SplitN(href, "#", 2)[0]
		if href == "" {
			continue
		}
		key := NormalizeURL(href)
		parsed, err := url.Parse(href)
		if err != nil || denyPathRe.MatchString(parsed.Path) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		title := ""
		if titleEl := findByClass(card, "h1,h2,h3,h4,span,div,a", titleClassRe); titleEl != nil {
			title = strings.TrimSpace(titleEl.Text())
		}
		if title == "" {
			title = strings.TrimSpace(anchor.Text())
		}
		if len(title) < 5 {
			continue
		}

		body := ""
		if bodyEl := findByClass(card, "p,div,span", bodyClassRe); bodyEl != nil {
			body = strings.TrimSpace(bodyEl.Text())
			if len(body) > 500 {
				body = body[:500]
			}
		}

		publishedAt, haveDate := listingDate(card)
		inferred := false
		if !haveDate {
			// No date in the listing: keep the item visible to the window
			// and let the article prefetch settle the real date.
			publishedAt = now
			inferred = true
		}
		if !inferred && !publishedAt.After(lookback) {
			continue
		}

		out = append(out, Item{
			Title:               title,
			Body:                body,
			URL:                 href,
			Source:              venue,
			PublishedAt:         publishedAt,
			PublishedAtInferred: inferred,
			Tags:                []string{venue, "exchange", "announcement"},
		})
	}
	return out
}

// findByClass returns the first selector match whose class matches re.
func findByClass(root *goquery.Selection, selector string, re *regexp.Regexp) *goquery.Selection {
	var found *goquery.Selection
	root.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		if re.MatchString(class) {
			found = s
			return false
		}
		return true
	})
	return found
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
