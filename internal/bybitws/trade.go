package bybitws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TradeURL is the request/response order entry endpoint.
const TradeURL = "wss://stream.bybit.com/v5/trade"

// TradeResponse is an order.create/amend/cancel acknowledgement. An ACK is
// not a fill; fills arrive on the private stream.
type TradeResponse struct {
	ReqID   string          `json:"reqId"`
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Op      string          `json:"op"`
	Data    json.RawMessage `json:"data"`
}

// TradeStream is the Bybit WS trade channel: requests correlated to
// responses by reqId; all pending requests fail on disconnect.
type TradeStream struct {
	URL          string
	APIKey       string
	APISecret    string
	RecvWindowMs int
	Referer      string
	PingInterval time.Duration
	Log          zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
	ready   bool
	authed  chan error
	pending map[string]chan TradeResponse
}

// NewTradeStream builds the trade channel client.
func NewTradeStream(url, apiKey, apiSecret string, recvWindowMs int, log zerolog.Logger) *TradeStream {
	if url == "" {
		url = TradeURL
	}
	if recvWindowMs <= 0 {
		recvWindowMs = 8000
	}
	return &TradeStream{
		URL:          url,
		APIKey:       apiKey,
		APISecret:    apiSecret,
		RecvWindowMs: recvWindowMs,
		Referer:      "arb-bot",
		PingInterval: 20 * time.Second,
		Log:          log.With().Str("component", "bybit_trade_ws").Logger(),
		authed:       make(chan error, 1),
		pending:      make(map[string]chan TradeResponse),
	}
}

// Ready reports whether the channel is connected and authenticated.
func (t *TradeStream) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Start connects and authenticates.
func (t *TradeStream) Start(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return fmt.Errorf("trade WS connect: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.stopped = false
	t.authed = make(chan error, 1)
	t.mu.Unlock()

	go t.readerLoop()

	expires := time.Now().UnixMilli() + 10_000
	auth := map[string]any{
		"op":   "auth",
		"args": []string{t.APIKey, strconv.FormatInt(expires, 10), signWSAuth(t.APISecret, expires)},
	}
	if err := t.send(auth); err != nil {
		t.Stop()
		return fmt.Errorf("trade WS auth send: %w", err)
	}

	select {
	case err := <-t.authed:
		if err != nil {
			t.Stop()
			return err
		}
	case <-time.After(5 * time.Second):
		t.Stop()
		return errors.New("trade WS auth timeout")
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}

	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	go t.pingLoop()
	t.Log.Info().Msg("trade WS authenticated")
	return nil
}

// Stop closes the channel and fails all pending requests (idempotent).
func (t *TradeStream) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.ready = false
	conn := t.conn
	t.conn = nil
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *TradeStream) send(payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrStopped
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *TradeStream) pingLoop() {
	for {
		time.Sleep(t.PingInterval)
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}
		if err := t.send(map[string]string{"op": "ping"}); err != nil {
			t.Log.Warn().Err(err).Msg("trade WS ping failed")
			t.Stop()
			return
		}
	}
}

func (t *TradeStream) readerLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if !stopped {
				t.Log.Warn().Err(err).Msg("trade WS closed")
				t.Stop()
			}
			return
		}

		var msg TradeResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Log.Warn().Str("raw", string(raw[:minInt(len(raw), 200)])).Msg("invalid JSON")
			continue
		}

		if msg.Op == "auth" {
			var authErr error
			if msg.RetCode != 0 {
				authErr = fmt.Errorf("trade WS auth failed: retCode=%d retMsg=%s", msg.RetCode, msg.RetMsg)
			}
			select {
			case t.authed <- authErr:
			default:
			}
			continue
		}
		if msg.Op == "pong" || msg.Op == "ping" {
			continue
		}
		if msg.ReqID == "" {
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[msg.ReqID]
		if ok {
			delete(t.pending, msg.ReqID)
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
			close(ch)
		}
	}
}

// CreateOrder sends order.create and waits for the matching ACK. serverTsMs
// goes into the X-BAPI-TIMESTAMP header; a non-zero retCode is an error.
func (t *TradeStream) CreateOrder(ctx context.Context, order map[string]any, serverTsMs int64, timeout time.Duration) (*TradeResponse, error) {
	t.mu.Lock()
	if t.conn == nil || !t.ready {
		t.mu.Unlock()
		return nil, errors.New("trade WS not started/authenticated")
	}
	reqID := uuid.NewString()
	ch := make(chan TradeResponse, 1)
	t.pending[reqID] = ch
	t.mu.Unlock()

	msg := map[string]any{
		"reqId": reqID,
		"header": map[string]string{
			"X-BAPI-TIMESTAMP":   strconv.FormatInt(serverTsMs, 10),
			"X-BAPI-RECV-WINDOW": strconv.Itoa(t.RecvWindowMs),
			"Referer":            t.Referer,
		},
		"op":   "order.create",
		"args": []any{order},
	}
	if err := t.send(msg); err != nil {
		t.mu.Lock()
		delete(t.pending, reqID)
		t.mu.Unlock()
		return nil, fmt.Errorf("send order.create: %w", err)
	}

	select {
	case resp, open := <-ch:
		if !open {
			return nil, ErrStopped
		}
		if resp.RetCode != 0 {
			return nil, fmt.Errorf("order.create retCode=%d retMsg=%s", resp.RetCode, resp.RetMsg)
		}
		return &resp, nil
	case <-time.After(timeout):
		t.mu.Lock()
		delete(t.pending, reqID)
		t.mu.Unlock()
		return nil, fmt.Errorf("order.create timeout after %s", timeout)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, reqID)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}
