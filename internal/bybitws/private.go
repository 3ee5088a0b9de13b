package bybitws

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PrivateURL is the authenticated account stream endpoint.
const PrivateURL = "wss://stream.bybit.com/v5/private"

// ErrStopped is the error pending waiters receive when the stream stops.
var ErrStopped = errors.New("private WS stopped")

// OrderFinal is a terminal order-stream update.
type OrderFinal struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  *float64
	Raw       map[string]json.RawMessage
}

// PositionKey identifies one position slot: positionIdx 0 is one-way mode,
// 1/2 are the Buy/Sell sides of hedge mode.
type PositionKey struct {
	Symbol      string
	PositionIdx int
	Side        string
}

// signWSAuth computes HMAC_SHA256(secret, "GET/realtime"+expires).
func signWSAuth(secret string, expiresMs int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "GET/realtime%d", expiresMs)
	return hex.EncodeToString(mac.Sum(nil))
}

// PrivateStream consumes order/execution/position updates. Per-order
// waiters resolve on terminal statuses; position updates maintain a
// PositionKey -> size cache with per-key and any-update events.
type PrivateStream struct {
	URL       string
	APIKey    string
	APISecret string
	Log       zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	stopped   bool
	authed    chan struct{}
	waiters   map[string]chan OrderFinal
	positions map[PositionKey]float64
	posAt     map[PositionKey]time.Time
	posChans  map[PositionKey]chan struct{}
	anyPos    chan struct{}
	anyPosSet bool
	lastMsgAt time.Time
}

// NewPrivateStream builds the private stream client.
func NewPrivateStream(url, apiKey, apiSecret string, log zerolog.Logger) *PrivateStream {
	if url == "" {
		url = PrivateURL
	}
	return &PrivateStream{
		URL:       url,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Log:       log.With().Str("component", "bybit_private_ws").Logger(),
		authed:    make(chan struct{}),
		waiters:   make(map[string]chan OrderFinal),
		positions: make(map[PositionKey]float64),
		posAt:     make(map[PositionKey]time.Time),
		posChans:  make(map[PositionKey]chan struct{}),
		anyPos:    make(chan struct{}),
	}
}

// Start connects, authenticates and subscribes to order, execution and
// position. The reader and ping loops run until Stop.
func (p *PrivateStream) Start(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, p.URL, nil)
	if err != nil {
		return fmt.Errorf("private WS connect: %w", err)
	}
	p.mu.Lock()
	p.conn = conn
	p.stopped = false
	p.mu.Unlock()

	go p.readerLoop()

	// Auth with a 20s expiry margin against clock jitter.
	expires := time.Now().UnixMilli() + 20_000
	auth := map[string]any{
		"op":   "auth",
		"args": []string{p.APIKey, strconv.FormatInt(expires, 10), signWSAuth(p.APISecret, expires)},
	}
	if err := p.send(auth); err != nil {
		p.Stop()
		return fmt.Errorf("private WS auth send: %w", err)
	}
	select {
	case <-p.authed:
	case <-time.After(5 * time.Second):
		p.Stop()
		return errors.New("private WS auth timeout")
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}

	if err := p.send(map[string]any{"op": "subscribe", "args": []string{"order", "execution", "position"}}); err != nil {
		p.Stop()
		return fmt.Errorf("private WS subscribe: %w", err)
	}
	go p.pingLoop()
	p.Log.Info().Msg("private WS ready (authed + subscribed)")
	return nil
}

// Stop closes the socket and fails all pending waiters with ErrStopped
// (signalled by a closed channel).
func (p *PrivateStream) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	conn := p.conn
	p.conn = nil
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
	for key, ch := range p.posChans {
		close(ch)
		delete(p.posChans, key)
	}
	if !p.anyPosSet {
		close(p.anyPos)
		p.anyPosSet = true
	}
	p.positions = make(map[PositionKey]float64)
	p.posAt = make(map[PositionKey]time.Time)
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (p *PrivateStream) send(payload any) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrStopped
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (p *PrivateStream) pingLoop() {
	for {
		time.Sleep(20 * time.Second)
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		if err := p.send(map[string]string{"op": "ping"}); err != nil {
			p.Log.Warn().Err(err).Msg("private WS ping failed")
			p.Stop()
			return
		}
	}
}

// StalenessMs returns milliseconds since the last received message, or nil
// before the first one.
func (p *PrivateStream) StalenessMs() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastMsgAt.IsZero() {
		return nil
	}
	ms := float64(time.Since(p.lastMsgAt).Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return &ms
}

func (p *PrivateStream) readerLoop() {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped {
				p.Log.Warn().Err(err).Msg("private WS closed")
				p.Stop()
			}
			return
		}
		p.mu.Lock()
		p.lastMsgAt = time.Now()
		p.mu.Unlock()
		p.handleMessage(raw)
	}
}

func (p *PrivateStream) handleMessage(raw []byte) {
	var msg struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetCode *int            `json:"retCode"`
		Topic   string          `json:"topic"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.Log.Warn().Str("raw", string(raw[:minInt(len(raw), 200)])).Msg("invalid JSON")
		return
	}

	switch msg.Op {
	case "auth":
		// Stream WS acks with success=true; some deployments answer with
		// retCode=0 like the trade WS.
		ok := (msg.Success != nil && *msg.Success) || (msg.RetCode != nil && *msg.RetCode == 0)
		if ok {
			select {
			case <-p.authed:
			default:
				close(p.authed)
			}
			p.Log.Info().Msg("private WS authenticated")
		} else {
			p.Log.Error().Str("raw", string(raw)).Msg("private WS auth failed")
		}
		return
	case "subscribe":
		if msg.Success != nil && *msg.Success {
			p.Log.Debug().Msg("subscription confirmed")
		}
		return
	case "pong", "ping":
		return
	}

	if msg.Topic == "" {
		return
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		return
	}
	switch msg.Topic {
	case "order":
		p.handleOrderUpdates(items)
	case "position":
		p.handlePositionUpdates(items)
	case "execution":
		// execution details are available in Raw for fee accounting
	}
}

func rawString(m map[string]json.RawMessage, key string) string {
	var s string
	if v, ok := m[key]; ok {
		if json.Unmarshal(v, &s) == nil {
			return s
		}
		return strings.Trim(string(v), `"`)
	}
	return ""
}

func rawFloat(m map[string]json.RawMessage, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		var f float64
		if json.Unmarshal(v, &f) == nil {
			return f, true
		}
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "filled", "cancelled", "canceled", "rejected":
		return true
	}
	return false
}

func (p *PrivateStream) handleOrderUpdates(items []map[string]json.RawMessage) {
	for _, it := range items {
		orderID := rawString(it, "orderId")
		if orderID == "" {
			continue
		}
		status := rawString(it, "orderStatus")
		if !isTerminalStatus(status) {
			continue
		}
		filled, _ := rawFloat(it, "cumExecQty")
		var avg *float64
		if v, ok := rawFloat(it, "avgPrice", "avgPx", "avgFillPrice"); ok && v > 0 {
			avg = &v
		}
		final := OrderFinal{OrderID: orderID, Status: status, FilledQty: filled, AvgPrice: avg, Raw: it}

		p.mu.Lock()
		ch, ok := p.waiters[orderID]
		if ok {
			delete(p.waiters, orderID)
		}
		p.mu.Unlock()
		if ok {
			ch <- final
			close(ch)
		}
	}
}

func normSide(side string) string {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "buy":
		return "Buy"
	case "sell":
		return "Sell"
	}
	return strings.TrimSpace(side)
}

func (p *PrivateStream) handlePositionUpdates(items []map[string]json.RawMessage) {
	now := time.Now()
	for _, it := range items {
		symbol := strings.TrimSpace(rawString(it, "symbol"))
		if symbol == "" {
			continue
		}
		pidx := 0
		if v, ok := rawFloat(it, "positionIdx"); ok {
			pidx = int(v)
		}
		if pidx < 0 {
			pidx = 0
		}
		side := normSide(rawString(it, "side"))
		if side == "" {
			side = normSide(rawString(it, "positionSide"))
		}
		if side == "" {
			// hedge-mode fallback by index
			switch pidx {
			case 1:
				side = "Buy"
			case 2:
				side = "Sell"
			default:
				continue
			}
		}
		size, _ := rawFloat(it, "size")
		if size < 0 {
			size = -size
		}
		key := PositionKey{Symbol: symbol, PositionIdx: pidx, Side: side}

		p.mu.Lock()
		p.positions[key] = size
		p.posAt[key] = now
		if ch, ok := p.posChans[key]; ok {
			close(ch)
			delete(p.posChans, key)
		}
		if !p.anyPosSet {
			close(p.anyPos)
			p.anyPosSet = true
		}
		p.mu.Unlock()
	}
}

// PositionSize returns the cached absolute size for the key, or nil before
// the first update.
func (p *PrivateStream) PositionSize(key PositionKey) *float64 {
	key.Side = normSide(key.Side)
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.positions[key]
	if !ok {
		return nil
	}
	return &v
}

// PositionStalenessMs returns milliseconds since the key's last update.
func (p *PrivateStream) PositionStalenessMs(key PositionKey) *float64 {
	key.Side = normSide(key.Side)
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.posAt[key]
	if !ok {
		return nil
	}
	ms := float64(time.Since(at).Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// WaitPosition blocks until at least one update arrived for the key.
func (p *PrivateStream) WaitPosition(ctx context.Context, key PositionKey, timeout time.Duration) bool {
	key.Side = normSide(key.Side)
	p.mu.Lock()
	if _, ok := p.positions[key]; ok {
		p.mu.Unlock()
		return true
	}
	ch, ok := p.posChans[key]
	if !ok {
		ch = make(chan struct{})
		p.posChans[key] = ch
	}
	p.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	p.mu.Lock()
	_, ok = p.positions[key]
	p.mu.Unlock()
	return ok
}

// WaitAnyPosition blocks until any position update arrived (useful right
// after subscribing).
func (p *PrivateStream) WaitAnyPosition(ctx context.Context, timeout time.Duration) bool {
	p.mu.Lock()
	done := p.anyPosSet
	ch := p.anyPos
	p.mu.Unlock()
	if done {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitFinal blocks until the order reaches a terminal status. ErrStopped is
// returned when the stream stops first, a deadline error on timeout.
func (p *PrivateStream) WaitFinal(ctx context.Context, orderID string, timeout time.Duration) (OrderFinal, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return OrderFinal{}, ErrStopped
	}
	ch, ok := p.waiters[orderID]
	if !ok {
		ch = make(chan OrderFinal, 1)
		p.waiters[orderID] = ch
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiters, orderID)
		p.mu.Unlock()
	}()

	select {
	case final, open := <-ch:
		if !open {
			return OrderFinal{}, ErrStopped
		}
		return final, nil
	case <-time.After(timeout):
		return OrderFinal{}, context.DeadlineExceeded
	case <-ctx.Done():
		return OrderFinal{}, ctx.Err()
	}
}
