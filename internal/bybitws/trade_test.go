package bybitws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// tradeServer fakes the Bybit trade WS: acks auth, then answers each
// order.create with the given handler.
func tradeServer(t *testing.T, onOrder func(reqID string, msg map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["op"] {
			case "auth":
				conn.WriteJSON(map[string]any{"op": "auth", "retCode": 0})
			case "ping":
				conn.WriteJSON(map[string]any{"op": "pong"})
			case "order.create":
				reqID, _ := msg["reqId"].(string)
				if resp := onOrder(reqID, msg); resp != nil {
					conn.WriteJSON(resp)
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTradeStream_CreateOrderCorrelation(t *testing.T) {
	srv := tradeServer(t, func(reqID string, msg map[string]any) map[string]any {
		// Headers must carry the signing metadata.
		header, _ := msg["header"].(map[string]any)
		if header["X-BAPI-TIMESTAMP"] == "" || header["X-BAPI-RECV-WINDOW"] == "" {
			return map[string]any{"reqId": reqID, "retCode": 10001, "retMsg": "bad header"}
		}
		return map[string]any{
			"reqId": reqID, "retCode": 0, "retMsg": "OK", "op": "order.create",
			"data": map[string]any{"orderId": "order-123"},
		}
	})
	defer srv.Close()

	ts := NewTradeStream(wsURL(srv), "key", "secret", 8000, zerolog.Nop())
	require.NoError(t, ts.Start(context.Background()))
	defer ts.Stop()

	resp, err := ts.CreateOrder(context.Background(), map[string]any{
		"category": "linear", "symbol": "BTCUSDT", "side": "Buy",
		"orderType": "Limit", "qty": "0.001", "price": "30000",
	}, time.Now().UnixMilli(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.RetCode)

	var data struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "order-123", data.OrderID)
}

func TestTradeStream_ErrorRetCode(t *testing.T) {
	srv := tradeServer(t, func(reqID string, msg map[string]any) map[string]any {
		return map[string]any{"reqId": reqID, "retCode": 110007, "retMsg": "insufficient balance"}
	})
	defer srv.Close()

	ts := NewTradeStream(wsURL(srv), "key", "secret", 8000, zerolog.Nop())
	require.NoError(t, ts.Start(context.Background()))
	defer ts.Stop()

	_, err := ts.CreateOrder(context.Background(), map[string]any{}, time.Now().UnixMilli(), 2*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "110007")
}

func TestTradeStream_StopFailsPending(t *testing.T) {
	srv := tradeServer(t, func(reqID string, msg map[string]any) map[string]any {
		return nil // never answer
	})
	defer srv.Close()

	ts := NewTradeStream(wsURL(srv), "key", "secret", 8000, zerolog.Nop())
	require.NoError(t, ts.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := ts.CreateOrder(context.Background(), map[string]any{}, time.Now().UnixMilli(), 10*time.Second)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	ts.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on stop")
	}
}

func TestTradeStream_NotStarted(t *testing.T) {
	ts := NewTradeStream("ws://127.0.0.1:1/trade", "key", "secret", 8000, zerolog.Nop())
	_, err := ts.CreateOrder(context.Background(), map[string]any{}, time.Now().UnixMilli(), time.Second)
	require.Error(t, err)
}

func TestSignWSAuth(t *testing.T) {
	// HMAC_SHA256("secret", "GET/realtime1700000000000")
	sig := signWSAuth("secret", 1700000000000)
	assert.Len(t, sig, 64)
	assert.Equal(t, signWSAuth("secret", 1700000000000), sig, "deterministic")
	assert.NotEqual(t, signWSAuth("other", 1700000000000), sig)
	assert.NotEqual(t, signWSAuth("secret", 1700000000001), sig)
}
