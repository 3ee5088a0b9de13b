// Package bybitws implements the three Bybit V5 websocket clients: the
// public linear market stream, the authenticated private stream and the
// request/response trade stream.
package bybitws

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PublicURL is the linear public market stream endpoint.
const PublicURL = "wss://stream.bybit.com/v5/public/linear"

const (
	readIdleTimeout     = 30 * time.Second
	initialReconnect    = 500 * time.Millisecond
	maxReconnectBackoff = 15 * time.Second
)

// MarketState is the in-memory market snapshot a PublicStream maintains.
type MarketState struct {
	BestBid    *float64
	BestAsk    *float64
	LastTrade  *float64
	LastTicker *float64

	BidAskAt time.Time
	TradeAt  time.Time
	TickerAt time.Time
}

// IsReady reports whether bid/ask are fresh and at least one of trade or
// ticker price is fresh, within maxAge.
func (s *MarketState) IsReady(maxAge time.Duration, now time.Time) bool {
	if s.BestBid == nil || s.BestAsk == nil {
		return false
	}
	if now.Sub(s.BidAskAt) > maxAge {
		return false
	}
	if s.LastTrade == nil && s.LastTicker == nil {
		return false
	}
	tradeFresh := s.LastTrade != nil && now.Sub(s.TradeAt) <= maxAge
	tickerFresh := s.LastTicker != nil && now.Sub(s.TickerAt) <= maxAge
	return tradeFresh || tickerFresh
}

// PublicStream subscribes to orderbook.1, publicTrade and tickers for one
// symbol and keeps MarketState current. One stream per symbol; reconnects
// with exponential backoff.
type PublicStream struct {
	URL    string
	Symbol string
	Log    zerolog.Logger

	mu      sync.Mutex
	state   MarketState
	conn    *websocket.Conn
	running bool
}

// NewPublicStream builds a stream for a Bybit symbol (e.g. BTCUSDT).
func NewPublicStream(url, symbol string, log zerolog.Logger) *PublicStream {
	if url == "" {
		url = PublicURL
	}
	return &PublicStream{
		URL:    url,
		Symbol: strings.ToUpper(symbol),
		Log:    log.With().Str("component", "bybit_public_ws").Str("symbol", symbol).Logger(),
	}
}

// Run connects and reads until the context is cancelled, reconnecting with
// backoff 0.5s -> 15s.
func (p *PublicStream) Run(ctx context.Context) {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	delay := initialReconnect
	reconnects := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := p.connectAndRead(ctx)
		if ctx.Err() != nil || !p.isRunning() {
			return
		}
		reconnects++
		if closeErr, ok := err.(*websocket.CloseError); ok {
			p.Log.Warn().Int("code", closeErr.Code).Str("reason", closeErr.Text).
				Int("reconnect", reconnects).Dur("delay", delay).Msg("connection closed")
		} else {
			p.Log.Warn().Err(err).Int("reconnect", reconnects).Dur("delay", delay).Msg("stream error")
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > maxReconnectBackoff {
			delay = maxReconnectBackoff
		}
	}
}

func (p *PublicStream) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop closes the socket and ends Run.
func (p *PublicStream) Stop() {
	p.mu.Lock()
	p.running = false
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *PublicStream) connectAndRead(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, p.URL, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer conn.Close()

	sub := map[string]any{
		"op": "subscribe",
		"args": []string{
			"orderbook.1." + p.Symbol,
			"publicTrade." + p.Symbol,
			"tickers." + p.Symbol,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	p.Log.Info().Msg("subscribed")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Idle timeout: try an application-level ping before giving up.
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				if perr := conn.WriteJSON(map[string]string{"op": "ping"}); perr == nil {
					continue
				}
			}
			return err
		}
		p.handleMessage(raw)
	}
}

func (p *PublicStream) handleMessage(raw []byte) {
	var msg struct {
		Topic   string          `json:"topic"`
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.Log.Warn().Str("raw", string(raw[:minInt(len(raw), 200)])).Msg("invalid JSON")
		return
	}
	if msg.Topic == "" {
		if msg.Success != nil && *msg.Success {
			p.Log.Debug().Msg("subscription confirmed")
		}
		return
	}
	switch {
	case strings.HasPrefix(msg.Topic, "orderbook."):
		p.handleOrderbook(msg.Data)
	case strings.HasPrefix(msg.Topic, "publicTrade."):
		p.handleTrade(msg.Data)
	case strings.HasPrefix(msg.Topic, "tickers."):
		p.handleTicker(msg.Data)
	}
}

func (p *PublicStream) handleOrderbook(data json.RawMessage) {
	var book struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return
	}
	bid := firstLevelPrice(book.Bids)
	ask := firstLevelPrice(book.Asks)
	if bid == nil || ask == nil {
		return
	}
	p.mu.Lock()
	p.state.BestBid = bid
	p.state.BestAsk = ask
	p.state.BidAskAt = time.Now()
	p.mu.Unlock()
}

func (p *PublicStream) handleTrade(data json.RawMessage) {
	var trades []struct {
		Price string `json:"p"`
	}
	if err := json.Unmarshal(data, &trades); err != nil {
		return
	}
	var last *float64
	for _, tr := range trades {
		if v, ok := parseFloat(tr.Price); ok && v > 0 {
			vv := v
			last = &vv
		}
	}
	if last == nil {
		return
	}
	p.mu.Lock()
	p.state.LastTrade = last
	p.state.TradeAt = time.Now()
	p.mu.Unlock()
}

func (p *PublicStream) handleTicker(data json.RawMessage) {
	var tk struct {
		LastPrice string `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &tk); err != nil {
		return
	}
	v, ok := parseFloat(tk.LastPrice)
	if !ok || v <= 0 {
		return
	}
	p.mu.Lock()
	p.state.LastTicker = &v
	p.state.TickerAt = time.Now()
	p.mu.Unlock()
}

// Snapshot returns a copy of the current market state.
func (p *PublicStream) Snapshot() MarketState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// WaitReady polls until the state is ready or the timeout elapses.
func (p *PublicStream) WaitReady(ctx context.Context, timeout, maxAge time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := p.Snapshot()
		if st.IsReady(maxAge, time.Now()) {
			return true
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func firstLevelPrice(levels [][]string) *float64 {
	if len(levels) == 0 || len(levels[0]) == 0 {
		return nil
	}
	if v, ok := parseFloat(levels[0][0]); ok {
		return &v
	}
	return nil
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
