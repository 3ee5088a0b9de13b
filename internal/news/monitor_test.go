package news

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<div class="announcement-list">
  <a href="/en/support/announcement/delist-obol-123">
    <span class="title">Delisting of OBOL perpetual</span>
    <p class="summary">OBOL/USDT perpetual will be removed</p>
    <time datetime="2025-05-20T08:00:00Z"></time>
  </a>
  <a href="/en/support/announcement/new-listing-456">
    <span class="title">New listing: AAA token</span>
  </a>
  <a href="/en/support/sections/all">Category page</a>
  <a href="/login">Login</a>
  <a href="/en/support/announcement/delist-obol-123?utm=x">Duplicate link to delisting article here</a>
</div>
</body></html>`

func TestScrapeListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingHTML))
	}))
	defer srv.Close()

	m := NewMonitor("", zerolog.Nop())
	m.listingURLs = map[string][]string{"gate": {srv.URL + "/announcements"}}
	m.now = func() time.Time { return time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC) }

	items := m.FetchAnnouncements(context.Background(), 100, 60, []string{"gate"})
	require.NotEmpty(t, items)

	var titles []string
	for _, it := range items {
		titles = append(titles, it.Title)
		assert.NotContains(t, it.URL, "/sections/")
		assert.NotContains(t, it.URL, "/login")
	}
	assert.Contains(t, strings.Join(titles, "|"), "Delisting of OBOL perpetual")

	// The dated card carries its real date; the undated one is inferred.
	for _, it := range items {
		if strings.Contains(it.Title, "Delisting of OBOL") {
			assert.False(t, it.PublishedAtInferred)
			assert.Equal(t, time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC), it.PublishedAt)
		}
		if strings.Contains(it.Title, "New listing") {
			assert.True(t, it.PublishedAtInferred)
		}
	}

	// Duplicate URL (same path, different query) appears once.
	seen := map[string]int{}
	for _, it := range items {
		seen[NormalizeURL(it.URL)]++
	}
	for u, n := range seen {
		assert.Equal(t, 1, n, "url %s duplicated", u)
	}
}

func TestFetchBybitAnnouncements_CutoffEarlyStop(t *testing.T) {
	var pages int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		// Page 1 holds one fresh and one ancient item; the ancient one must
		// stop pagination.
		w.Write([]byte(`{"retCode":0,"result":{"total":5000,"list":[
			{"title":"Delisting notice","description":"OBOL perp","url":"https://bybit.com/a","publishTime":1748736000000,
			 "type":{"key":"delistings","title":"Delistings"},"tags":["Derivatives"]},
			{"title":"Ancient news","description":"","url":"https://bybit.com/old","publishTime":946684800000,
			 "type":{"key":"latest_activities","title":"Activities"},"tags":[]}
		]}}`))
	}))
	defer srv.Close()

	m := NewMonitor("", zerolog.Nop())
	m.bybitURL = srv.URL
	m.now = func() time.Time { return time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC) }

	items := m.fetchBybit(context.Background(), 200, 60)
	assert.Equal(t, 1, pages, "cutoff crossing stops pagination")
	require.Len(t, items, 1)
	assert.Equal(t, "Delisting notice", items[0].Title)
	assert.Equal(t, "bybit", items[0].Source)
	assert.Contains(t, items[0].Tags, "delistings")
}

func TestArticleDateCascade(t *testing.T) {
	t.Run("time element", func(t *testing.T) {
		doc := mustDoc(t, `<html><body><time datetime="2025-03-01T12:00:00Z"></time></body></html>`)
		ts, ok := articleDate(doc)
		require.True(t, ok)
		assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), ts)
	})
	t.Run("meta tag", func(t *testing.T) {
		doc := mustDoc(t, `<html><head><meta property="og:published_time" content="2025-03-02T00:00:00+00:00"></head></html>`)
		ts, ok := articleDate(doc)
		require.True(t, ok)
		assert.Equal(t, 2, ts.Day())
	})
	t.Run("json-ld article", func(t *testing.T) {
		doc := mustDoc(t, `<html><head><script type="application/ld+json">
			{"@context":"https://schema.org","@graph":[
				{"@type":"WebSite","datePublished":"2020-01-01T00:00:00Z"},
				{"@type":"NewsArticle","datePublished":"2025-03-03T09:30:00Z"}]}
		</script></head></html>`)
		ts, ok := articleDate(doc)
		require.True(t, ok)
		assert.Equal(t, time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC), ts)
	})
	t.Run("json-ld non-article ignored", func(t *testing.T) {
		doc := mustDoc(t, `<html><head><script type="application/ld+json">
			{"@type":"Organization","datePublished":"2020-01-01T00:00:00Z"}
		</script></head></html>`)
		_, ok := articleDate(doc)
		assert.False(t, ok)
	})
	t.Run("missing", func(t *testing.T) {
		doc := mustDoc(t, `<html><body><p>nothing</p></body></html>`)
		_, ok := articleDate(doc)
		assert.False(t, ok)
	})
}

func TestListingDateFormats(t *testing.T) {
	doc := mustDoc(t, `<div class="card"><span class="date">20.05.2025</span></div>`)
	ts, ok := listingDate(doc.Find("div.card"))
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC), ts)
}

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}
