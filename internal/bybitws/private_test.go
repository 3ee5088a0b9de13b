package bybitws

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

// privateServer fakes the private stream: acks auth/subscribe and then
// pushes the given frames.
func privateServer(t *testing.T, frames []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		subscribed := false
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg["op"] {
			case "auth":
				conn.WriteJSON(map[string]any{"op": "auth", "success": true})
			case "subscribe":
				conn.WriteJSON(map[string]any{"op": "subscribe", "success": true})
				if !subscribed {
					subscribed = true
					for _, frame := range frames {
						conn.WriteJSON(frame)
					}
				}
			case "ping":
				conn.WriteJSON(map[string]any{"op": "pong"})
			}
		}
	}))
}

func TestPrivateStream_OrderFinal(t *testing.T) {
	srv := privateServer(t, []map[string]any{
		{
			"topic": "order",
			"data": []map[string]any{
				{"orderId": "ord-1", "orderStatus": "New", "cumExecQty": "0"},
			},
		},
		{
			"topic": "order",
			"data": []map[string]any{
				{"orderId": "ord-1", "orderStatus": "Filled", "cumExecQty": "0.5", "avgPrice": "30000.5"},
			},
		},
	})
	defer srv.Close()

	ps := NewPrivateStream(wsURL(srv), "key", "secret", zerolog.Nop())
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop()

	final, err := ps.WaitFinal(context.Background(), "ord-1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Filled", final.Status)
	assert.Equal(t, 0.5, final.FilledQty)
	require.NotNil(t, final.AvgPrice)
	assert.Equal(t, 30000.5, *final.AvgPrice)
}

func TestPrivateStream_NonTerminalDoesNotResolve(t *testing.T) {
	srv := privateServer(t, []map[string]any{
		{
			"topic": "order",
			"data": []map[string]any{
				{"orderId": "ord-2", "orderStatus": "PartiallyFilled", "cumExecQty": "0.1"},
			},
		},
	})
	defer srv.Close()

	ps := NewPrivateStream(wsURL(srv), "key", "secret", zerolog.Nop())
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop()

	_, err := ps.WaitFinal(context.Background(), "ord-2", 300*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrivateStream_PositionCache(t *testing.T) {
	srv := privateServer(t, []map[string]any{
		{
			"topic": "position",
			"data": []map[string]any{
				{"symbol": "BTCUSDT", "positionIdx": 1, "side": "Buy", "size": "0.25"},
				{"symbol": "BTCUSDT", "positionIdx": 2, "side": "", "size": "-0.1"},
			},
		},
	})
	defer srv.Close()

	ps := NewPrivateStream(wsURL(srv), "key", "secret", zerolog.Nop())
	require.NoError(t, ps.Start(context.Background()))
	defer ps.Stop()

	require.True(t, ps.WaitAnyPosition(context.Background(), 2*time.Second))
	require.True(t, ps.WaitPosition(context.Background(), PositionKey{Symbol: "BTCUSDT", PositionIdx: 1, Side: "buy"}, 2*time.Second))

	size := ps.PositionSize(PositionKey{Symbol: "BTCUSDT", PositionIdx: 1, Side: "Buy"})
	require.NotNil(t, size)
	assert.Equal(t, 0.25, *size)

	// Missing side falls back to the hedge index; size is stored absolute.
	sell := ps.PositionSize(PositionKey{Symbol: "BTCUSDT", PositionIdx: 2, Side: "Sell"})
	require.NotNil(t, sell)
	assert.Equal(t, 0.1, *sell)

	stale := ps.PositionStalenessMs(PositionKey{Symbol: "BTCUSDT", PositionIdx: 1, Side: "Buy"})
	require.NotNil(t, stale)
	assert.GreaterOrEqual(t, *stale, 0.0)
}

func TestPrivateStream_StopFailsWaiters(t *testing.T) {
	srv := privateServer(t, nil)
	defer srv.Close()

	ps := NewPrivateStream(wsURL(srv), "key", "secret", zerolog.Nop())
	require.NoError(t, ps.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := ps.WaitFinal(context.Background(), "never", 10*time.Second)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	ps.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not failed on stop")
	}
}

func TestMarketState_IsReady(t *testing.T) {
	now := time.Now()
	bid, ask, trade := 99.0, 100.0, 99.5

	t.Run("fresh bidask and trade", func(t *testing.T) {
		st := MarketState{BestBid: &bid, BestAsk: &ask, LastTrade: &trade, BidAskAt: now, TradeAt: now}
		assert.True(t, st.IsReady(5*time.Second, now))
	})
	t.Run("stale bidask", func(t *testing.T) {
		st := MarketState{BestBid: &bid, BestAsk: &ask, LastTrade: &trade, BidAskAt: now.Add(-time.Minute), TradeAt: now}
		assert.False(t, st.IsReady(5*time.Second, now))
	})
	t.Run("no trade or ticker", func(t *testing.T) {
		st := MarketState{BestBid: &bid, BestAsk: &ask, BidAskAt: now}
		assert.False(t, st.IsReady(5*time.Second, now))
	})
	t.Run("stale trade fresh ticker", func(t *testing.T) {
		ticker := 99.4
		st := MarketState{
			BestBid: &bid, BestAsk: &ask, LastTrade: &trade, LastTicker: &ticker,
			BidAskAt: now, TradeAt: now.Add(-time.Minute), TickerAt: now,
		}
		assert.True(t, st.IsReady(5*time.Second, now))
	})
}

func TestPublicStream_HandleMessages(t *testing.T) {
	p := NewPublicStream("", "BTCUSDT", zerolog.Nop())

	p.handleMessage([]byte(`{"topic":"orderbook.1.BTCUSDT","data":{"b":[["29990","1"]],"a":[["30000","2"]]}}`))
	p.handleMessage([]byte(`{"topic":"publicTrade.BTCUSDT","data":[{"p":"29995"},{"p":"29996"}]}`))
	p.handleMessage([]byte(`{"topic":"tickers.BTCUSDT","data":{"lastPrice":"29997"}}`))

	st := p.Snapshot()
	require.NotNil(t, st.BestBid)
	assert.Equal(t, 29990.0, *st.BestBid)
	require.NotNil(t, st.BestAsk)
	assert.Equal(t, 30000.0, *st.BestAsk)
	require.NotNil(t, st.LastTrade)
	assert.Equal(t, 29996.0, *st.LastTrade, "last trade in the batch wins")
	require.NotNil(t, st.LastTicker)
	assert.Equal(t, 29997.0, *st.LastTicker)
	assert.True(t, st.IsReady(5*time.Second, time.Now()))
}
