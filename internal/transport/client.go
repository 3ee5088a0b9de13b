// Package transport is the shared HTTP layer under every venue adapter:
// one pooled client per venue, bounded retries with backoff, optional
// secondary-host failover, a per-venue in-flight cap, a token-bucket rate
// limiter and a circuit breaker that silences repeated WAF/rate-limit hits.
package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Config tunes a venue client. Zero values get the defaults the venues were
// calibrated with.
type Config struct {
	Venue          string
	BaseURL        string
	FallbackURL    string // secondary host (MEXC); empty disables failover
	ConnectTimeout time.Duration
	RequestTimeout time.Duration // full per-attempt budget
	Retries        int           // extra attempts after the first
	Backoff        time.Duration // scaled by attempt index
	MaxInflight    int           // 0 = unbounded
	RPS            float64       // 0 = unlimited
	Burst          int
	PoolLimit      int
	Headers        map[string]string
	UserAgent      string
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 8 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 350 * time.Millisecond
	}
	if cfg.PoolLimit == 0 {
		cfg.PoolLimit = 100
	}
	if cfg.Burst == 0 {
		cfg.Burst = 10
	}
	return cfg
}

// Client is a long-lived pooled HTTP client for one venue.
type Client struct {
	cfg     Config
	hosts   []string
	http    *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New builds a venue client. The connection pool lives until Close.
func New(cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.PoolLimit,
		MaxIdleConnsPerHost: cfg.PoolLimit,
		IdleConnTimeout:     90 * time.Second,
	}

	hosts := []string{strings.TrimRight(cfg.BaseURL, "/")}
	if cfg.FallbackURL != "" {
		hosts = append(hosts, strings.TrimRight(cfg.FallbackURL, "/"))
	}

	var sem chan struct{}
	if cfg.MaxInflight > 0 {
		sem = make(chan struct{}, cfg.MaxInflight)
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}

	c := &Client{
		cfg:     cfg,
		hosts:   hosts,
		http:    &http.Client{Transport: tr},
		sem:     sem,
		limiter: limiter,
		log:     log.With().Str("venue", cfg.Venue).Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Venue + "-waf",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only WAF/rate-limit responses count against the breaker; symbol
		// lookups that fail or time out must not trip it.
		IsSuccessful: func(err error) bool {
			k := KindOf(err)
			return k != WAFBlocked && k != RateLimited
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).
				Msg("rate-limit breaker state change")
		},
	})
	return c
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Venue returns the venue id this client serves.
func (c *Client) Venue() string { return c.cfg.Venue }

// GetJSON issues GET path?params and decodes the body into raw JSON.
// nil params is allowed. See Do for the retry/failover contract.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, params, nil, nil)
}

// Do runs an HTTP request with the full policy: rate limit, in-flight cap,
// per-attempt timeout, retries on transport errors with linear-scaled
// backoff, and host failover when a fallback is configured. Non-2xx
// statuses are surfaced as typed errors without retry.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, headers http.Header, body []byte) (json.RawMessage, error) {
	attemptsPerHost := 1 + c.cfg.Retries
	if attemptsPerHost < 1 {
		attemptsPerHost = 1
	}
	total := attemptsPerHost * len(c.hosts)

	var lastErr error
	attempt := 0
	for hi, host := range c.hosts {
		for r := 0; r < attemptsPerHost; r++ {
			isLast := attempt == total-1
			raw, err := c.once(ctx, host, method, path, params, headers, body, isLast)
			if err == nil {
				return raw, nil
			}
			lastErr = err
			if !retryable(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: ctx.Err()}
			}
			if !isLast {
				delay := c.cfg.Backoff * time.Duration(1+r+hi)
				c.log.Debug().Err(err).Str("path", path).Dur("backoff", delay).
					Int("attempt", attempt+1).Int("attempts", total).Msg("retrying request")
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: ctx.Err()}
				}
			}
			attempt++
		}
	}
	if lastErr != nil {
		c.log.Warn().Err(lastErr).Str("path", path).Msg("request failed after retries")
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return KindOf(err) == TransientNetwork
}

func (c *Client) once(ctx context.Context, host, method, path string, params url.Values, headers http.Header, body []byte, lastAttempt bool) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: err}
		}
	}
	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: ctx.Err()}
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, host, method, path, params, headers, body, lastAttempt)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &Error{Kind: RateLimited, Venue: c.cfg.Venue, Msg: "breaker open"}
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (c *Client) roundTrip(ctx context.Context, host, method, path string, params url.Values, headers http.Header, body []byte, lastAttempt bool) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	u := host + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, rd)
	if err != nil {
		return nil, &Error{Kind: ProtocolError, Venue: c.cfg.Venue, Err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Kind: TransientNetwork, Venue: c.cfg.Venue, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		c.log.Warn().Str("path", path).Msg("HTTP 403 (possible WAF)")
		return nil, &Error{Kind: WAFBlocked, Venue: c.cfg.Venue, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.log.Warn().Str("path", path).Msg("HTTP 429 (rate limit)")
		return nil, &Error{Kind: RateLimited, Venue: c.cfg.Venue, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).
			Str("body", truncate(string(data), 200)).Msg("HTTP error status")
		return nil, &Error{Kind: ProtocolError, Venue: c.cfg.Venue, Status: resp.StatusCode}
	}

	if !json.Valid(data) {
		if lastAttempt {
			c.log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("non-JSON response")
		}
		return nil, &Error{Kind: ProtocolError, Venue: c.cfg.Venue, Status: resp.StatusCode, Msg: "non-JSON body"}
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
