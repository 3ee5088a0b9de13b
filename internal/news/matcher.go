package news

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Hard delisting keywords only (EN + RU). Soft signals (suspend/halt/pause)
// are temporary pauses and deliberately excluded.
var hardDelistingKeywords = []string{
	"DELIST", "DELISTING", "REMOVAL", "REMOVED", "DISCONTINUED", "TERMINATED",
	"WILL BE DELISTED", "TO BE DELISTED", "DELISTING ANNOUNCEMENT",
	"REMOVAL FROM TRADING", "CEASE TRADING", "TERMINATION",
	"УДАЛЕНИЕ", "ДЕЛИСТИНГ", "ПРЕКРАЩЕНИЕ ТОРГОВЛИ", "УДАЛЕНИЕ С БИРЖИ",
	"ПРЕКРАЩЕНИЕ ЛИСТИНГА", "ИСКЛЮЧЕНИЕ ИЗ ТОРГОВЛИ",
}

var securityKeywords = []string{
	"SECURITY", "HACK", "HACKED", "EXPLOIT", "BREACH", "COMPROMISED",
	"UNAUTHORIZED", "PHISH", "SCAM", "MALWARE", "ATTACK", "VULNERAB",
	"STOLEN", "FUNDS STOLEN", "SECURITY INCIDENT", "INCIDENT",
	"RISK WARNING", "DYOR", "PROTOCOL", "PRIVATE KEY", "KEY LEAK",
	"ВЗЛОМ", "УЯЗВ", "ФИШИНГ", "КОМПРОМЕТ", "АТАК", "УКРАЛ", "КРАЖ",
	"УТЕЧК", "ВРЕДОНОС", "МОШЕННИЧ", "ПРЕДУПРЕЖДЕНИЕ О РИСК",
	"ИНЦИДЕНТ БЕЗОПАСНОСТ",
}

// prefetchLimit caps conditional article fetches per match run.
const prefetchLimit = 20

var articleContentRe = regexp.MustCompile(`(?i)content|article|body|post`)

// CoinPattern matches COIN or COINUSDT as a whole token. RE2 has no
// lookarounds, so the non-[A-Z0-9] boundary is expressed with groups; the
// matched boundary characters are irrelevant since only presence matters.
func CoinPattern(coin string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(strings.ToUpper(coin))
	return regexp.MustCompile(`(?i)(^|[^A-Z0-9])` + escaped + `(USDT)?($|[^A-Z0-9])`)
}

func containsAnyKeyword(textUpper string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(textUpper, k) {
			return true
		}
	}
	return false
}

// articleFetch holds one prefetched article: its body text (capped by the
// caller's budget) and an optional real publication date.
type articleFetch struct {
	body    string // empty means the fetch failed or had no content
	date    time.Time
	hasDate bool
}

// fetchArticle GETs the article and extracts date + body. A 4xx/5xx on the
// original URL triggers one retry against the normalized URL. Results are
// memoized per normalized URL in cache (including failures, to avoid
// re-fetching dead links).
func (m *Monitor) fetchArticle(ctx context.Context, rawURL string, bodyCap int, wholePageFallback bool, cache map[string]articleFetch, fetchCount *int) (articleFetch, bool) {
	if !strings.HasPrefix(rawURL, "http") {
		return articleFetch{}, false
	}
	norm := NormalizeURL(rawURL)
	if cached, ok := cache[norm]; ok {
		return cached, cached.body != "" || cached.hasDate
	}
	if *fetchCount >= prefetchLimit {
		return articleFetch{}, false
	}

	resp, err := m.get(ctx, rawURL)
	*fetchCount++
	if err == nil && resp.StatusCode >= 400 && norm != rawURL && *fetchCount < prefetchLimit {
		resp.Body.Close()
		resp, err = m.get(ctx, norm)
		*fetchCount++
	}
	if err != nil {
		m.log.Debug().Err(err).Str("url", rawURL).Msg("article prefetch failed")
		cache[norm] = articleFetch{}
		return articleFetch{}, false
	}
	defer resp.Body.Close()

	m.noteWAF(resp)
	if resp.StatusCode != http.StatusOK {
		cache[norm] = articleFetch{}
		return articleFetch{}, false
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		cache[norm] = articleFetch{}
		return articleFetch{}, false
	}

	var fetched articleFetch
	if t, ok := articleDate(doc); ok {
		fetched.date = t
		fetched.hasDate = true
	}

	main := doc.Find("main").First()
	if main.Length() == 0 {
		main = doc.Find("article").First()
	}
	if main.Length() == 0 {
		main = findByClass(doc.Selection, "div", articleContentRe)
	}
	if main != nil && main.Length() > 0 {
		fetched.body = strings.TrimSpace(main.Text())
	} else if wholePageFallback {
		fetched.body = strings.TrimSpace(doc.Text())
	}
	if len(fetched.body) > bodyCap {
		fetched.body = fetched.body[:bodyCap]
	}

	cache[norm] = fetched
	return fetched, fetched.body != "" || fetched.hasDate
}

// noteWAF warns once per session when binance answers with an AWS WAF
// challenge and no cookie is configured.
func (m *Monitor) noteWAF(resp *http.Response) {
	if m.warnedWAF || m.binanceCookie != "" {
		return
	}
	if resp.StatusCode != 202 && resp.StatusCode != 403 {
		return
	}
	if !strings.HasSuffix(strings.ToLower(resp.Request.URL.Hostname()), "binance.com") {
		return
	}
	m.warnedWAF = true
	m.log.Warn().Int("status", resp.StatusCode).
		Msg("binance articles behind AWS WAF; set BINANCE_COOKIE to include them")
}

// FindDelistingNews returns the items that both mention the coin and carry
// a hard delisting keyword (or an explicit SYMBOL_DELISTING tag). When only
// one of the two signals is present in the card, the article body is
// conditionally prefetched and the check re-run against the full text.
func (m *Monitor) FindDelistingNews(ctx context.Context, items []Item, coin string, lookback *time.Time) []Item {
	pattern := CoinPattern(coin)
	fetchCache := make(map[string]articleFetch)
	fetchCount := 0
	var out []Item

	for _, it := range items {
		// Hard-dated items older than the window are skipped outright.
		if lookback != nil && !it.PublishedAtInferred && !it.PublishedAt.After(*lookback) {
			continue
		}

		publishedAt := it.PublishedAt
		inferred := it.PublishedAtInferred
		textUpper := strings.ToUpper(it.Title + " " + it.Body)

		coinMentioned := pattern.MatchString(textUpper)
		hasKeywords := containsAnyKeyword(textUpper, hardDelistingKeywords)

		// Inferred date and neither signal in the card: not worth a fetch.
		if inferred && !coinMentioned && !hasKeywords {
			continue
		}

		// One signal but not the other: the body may hold the rest (batch
		// delisting posts name coins only inside the article).
		if coinMentioned != hasKeywords {
			if fetched, ok := m.fetchArticle(ctx, it.URL, 2000, false, fetchCache, &fetchCount); ok {
				if fetched.hasDate {
					publishedAt = fetched.date
					inferred = false
					if lookback != nil && !publishedAt.After(*lookback) {
						continue
					}
				}
				if fetched.body != "" {
					textUpper = strings.ToUpper(it.Title + " " + fetched.body)
					coinMentioned = pattern.MatchString(textUpper)
					hasKeywords = containsAnyKeyword(textUpper, hardDelistingKeywords)
				}
			}
		}

		if !hasKeywords && it.HasTag("SYMBOL_DELISTING") {
			hasKeywords = true
		}
		if coinMentioned && !hasKeywords {
			m.log.Info().Str("coin", coin).Str("title", truncateStr(it.Title, 60)).
				Msg("coin mentioned without delisting keywords")
		}
		if !coinMentioned || !hasKeywords {
			continue
		}

		matched := it.withTag("delisting")
		matched.PublishedAt = publishedAt
		matched.PublishedAtInferred = inferred
		out = append(out, matched)
		m.log.Warn().Str("coin", coin).Str("title", truncateStr(it.Title, 80)).
			Str("url", it.URL).Msg("delisting news found")
	}
	return DedupeByURL(out)
}

// FindSecurityNews returns items that mention the coin together with a
// security/hack keyword. Security posts often sit outside <main>, so the
// prefetch falls back to whole-page text and allows a larger body budget.
func (m *Monitor) FindSecurityNews(ctx context.Context, items []Item, coin string, lookback *time.Time) []Item {
	pattern := CoinPattern(coin)
	fetchCache := make(map[string]articleFetch)
	fetchCount := 0
	var out []Item

	for _, it := range items {
		if lookback != nil && !it.PublishedAtInferred && !it.PublishedAt.After(*lookback) {
			continue
		}

		textUpper := strings.ToUpper(it.Title + " " + it.Body)
		coinMentioned := pattern.MatchString(textUpper)
		hasSecurity := containsAnyKeyword(textUpper, securityKeywords)

		if it.PublishedAtInferred && !coinMentioned && !hasSecurity {
			continue
		}

		if coinMentioned != hasSecurity {
			if fetched, ok := m.fetchArticle(ctx, it.URL, 8000, true, fetchCache, &fetchCount); ok && fetched.body != "" {
				textUpper = strings.ToUpper(it.Title + " " + fetched.body)
				coinMentioned = pattern.MatchString(textUpper)
				hasSecurity = containsAnyKeyword(textUpper, securityKeywords)
			}
		}

		if !coinMentioned || !hasSecurity {
			continue
		}
		// Final strict date filter.
		if lookback != nil && !it.PublishedAtInferred && !it.PublishedAt.After(*lookback) {
			continue
		}
		out = append(out, it.withTag("security"))
	}
	return DedupeByURL(out)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
