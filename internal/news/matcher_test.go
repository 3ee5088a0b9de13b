package news

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinPattern(t *testing.T) {
	pat := CoinPattern("OBOL")
	assert.True(t, pat.MatchString("GATE WILL DELIST OBOL/USDT PERPETUAL"))
	assert.True(t, pat.MatchString("DELISTING OBOLUSDT SOON"))
	assert.True(t, pat.MatchString("obol removal"))
	assert.False(t, pat.MatchString("METABOLISM NEWS"), "no substring matches")
	assert.False(t, pat.MatchString("XOBOLX"), "needs a token boundary")

	flow := CoinPattern("FLOW")
	assert.True(t, flow.MatchString("FLOW will be delisted"))
	assert.False(t, flow.MatchString("FLOWER token update"))
}

func testMonitor() *Monitor {
	return NewMonitor("", zerolog.Nop())
}

func TestFindDelistingNews_TitleMatch(t *testing.T) {
	m := testMonitor()
	now := time.Now().UTC()
	items := []Item{
		{Title: "Gate will delist OBOL/USDT perpetual on 2025-01-12", URL: "https://g.com/a", PublishedAt: now},
		{Title: "OBOL staking rewards update", URL: "/ann/b", PublishedAt: now},
		{Title: "Notice: BTC delisting of old pairs", URL: "/ann/c", PublishedAt: now},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", nil)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Title, "delist OBOL")
	assert.True(t, out[0].HasTag("delisting"))
}

func TestFindDelistingNews_SoftKeywordsDoNotMatch(t *testing.T) {
	m := testMonitor()
	now := time.Now().UTC()
	items := []Item{
		{Title: "OBOL trading temporarily suspended for maintenance", URL: "https://g.com/a", PublishedAt: now},
		{Title: "OBOL deposits halted", URL: "https://g.com/b", PublishedAt: now},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", nil)
	assert.Empty(t, out, "suspend/halt are soft signals, not delisting")
}

func TestFindDelistingNews_TagShortCircuit(t *testing.T) {
	m := testMonitor()
	now := time.Now().UTC()
	items := []Item{
		{Title: "Contract adjustment: OBOL perpetual", URL: "https://g.com/a", PublishedAt: now,
			Tags: []string{"SYMBOL_DELISTING"}},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", nil)
	require.Len(t, out, 1)
}

func TestFindDelistingNews_LookbackFiltersHardDates(t *testing.T) {
	m := testMonitor()
	now := time.Now().UTC()
	lookback := now.Add(-60 * 24 * time.Hour)
	items := []Item{
		{Title: "delisting OBOL perpetual", URL: "https://g.com/old", PublishedAt: now.Add(-90 * 24 * time.Hour)},
		{Title: "delisting OBOL perpetual again", URL: "https://g.com/new", PublishedAt: now.Add(-time.Hour)},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", &lookback)
	require.Len(t, out, 1)
	assert.Equal(t, "https://g.com/new", out[0].URL)
}

func TestFindDelistingNews_ConditionalPrefetch(t *testing.T) {
	// The card has the keyword but not the coin; the coin appears only in
	// the article body (batch delisting post).
	article := `<html><head>
		<meta property="article:published_time" content="2025-06-01T10:00:00Z">
	</head><body><main>
		The following perpetual contracts will be removed: AAA, OBOL, ZZZ.
	</main></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(article))
	}))
	defer srv.Close()

	m := testMonitor()
	m.now = func() time.Time { return time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC) }
	now := m.now()
	items := []Item{
		{Title: "Batch delisting announcement", URL: srv.URL + "/post/1",
			PublishedAt: now, PublishedAtInferred: true},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", nil)
	require.Len(t, out, 1)
	assert.False(t, out[0].PublishedAtInferred, "prefetch resolved the real date")
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), out[0].PublishedAt)
}

func TestFindDelistingNews_InferredWithoutSignalsSkipsFetch(t *testing.T) {
	var fetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
	}))
	defer srv.Close()

	m := testMonitor()
	items := []Item{
		{Title: "Weekly market report", URL: srv.URL + "/post/1",
			PublishedAt: time.Now().UTC(), PublishedAtInferred: true},
	}
	out := m.FindDelistingNews(context.Background(), items, "OBOL", nil)
	assert.Empty(t, out)
	assert.False(t, fetched, "no coin and no keyword in the card: no prefetch")
}

func TestFindSecurityNews(t *testing.T) {
	m := testMonitor()
	now := time.Now().UTC()
	items := []Item{
		{Title: "OBOL protocol exploit: funds stolen", URL: "https://g.com/a", PublishedAt: now},
		{Title: "OBOL lists new trading pair", URL: "/ann/b", PublishedAt: now},
	}
	out := m.FindSecurityNews(context.Background(), items, "OBOL", nil)
	require.Len(t, out, 1)
	assert.True(t, out[0].HasTag("security"))
}
