package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func TestGetJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		w.Write([]byte(`{"retCode":0}`))
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "bybit", BaseURL: srv.URL})
	params := url.Values{}
	params.Set("category", "linear")
	raw, err := c.GetJSON(context.Background(), "/v5/market/tickers", params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"retCode":0}`, string(raw))
}

func TestDo_NoRetryOn4xx(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "gate", BaseURL: srv.URL, Retries: 3})
	_, err := c.GetJSON(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, ProtocolError, KindOf(err))
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "4xx must not be retried")
}

func TestDo_429And403AreTyped(t *testing.T) {
	for status, kind := range map[int]Kind{
		http.StatusTooManyRequests: RateLimited,
		http.StatusForbidden:       WAFBlocked,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := testClient(t, Config{Venue: "mexc", BaseURL: srv.URL, Retries: 2})
		_, err := c.GetJSON(context.Background(), "/x", nil)
		require.Error(t, err)
		assert.Equal(t, kind, KindOf(err))
		srv.Close()
	}
}

func TestDo_RetriesTransportErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			// Simulate a reset by hijacking and closing the connection.
			hj, _ := w.(http.Hijacker)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "xt", BaseURL: srv.URL, Retries: 3, Backoff: time.Millisecond})
	raw, err := c.GetJSON(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestDo_DomainFailover(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer primary.Close()
	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0}`))
	}))
	defer secondary.Close()

	c := testClient(t, Config{
		Venue:       "mexc",
		BaseURL:     primary.URL,
		FallbackURL: secondary.URL,
		Retries:     1,
		Backoff:     time.Millisecond,
	})
	raw, err := c.GetJSON(context.Background(), "/api/v1/contract/ticker", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":0}`, string(raw))
}

func TestDo_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>waf challenge</html>`))
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "mexc", BaseURL: srv.URL})
	_, err := c.GetJSON(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Equal(t, ProtocolError, KindOf(err))
}

func TestDo_InflightCap(t *testing.T) {
	var inflight, peak int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inflight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "mexc", BaseURL: srv.URL, MaxInflight: 2})
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			c.GetJSON(context.Background(), "/x", nil)
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestDo_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	c := testClient(t, Config{Venue: "okx", BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.GetJSON(ctx, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, TransientNetwork, KindOf(err))
}
