package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSide_SortAndDrop(t *testing.T) {
	levels := []Level{
		{Price: 10, Size: 1},
		{Price: -1, Size: 5},
		{Price: 12, Size: -2},
		{Price: 0, Size: 3},
		{Price: 11, Size: 4},
	}

	bids := NormalizeSide(levels, Bids)
	require.Len(t, bids, 3)
	assert.Equal(t, 12.0, bids[0].Price)
	assert.Equal(t, 2.0, bids[0].Size, "negative size coerced to abs")
	assert.Equal(t, 11.0, bids[1].Price)
	assert.Equal(t, 10.0, bids[2].Price)

	asks := NormalizeSide(levels, Asks)
	require.Len(t, asks, 3)
	assert.Equal(t, 10.0, asks[0].Price)
	assert.Equal(t, 12.0, asks[2].Price)
}

func TestNormalizeBook_DepthTruncation(t *testing.T) {
	bids := []Level{{Price: 3, Size: 1}, {Price: 2, Size: 1}, {Price: 1, Size: 1}}
	asks := []Level{{Price: 4, Size: 1}, {Price: 5, Size: 1}, {Price: 6, Size: 1}}

	ob := NormalizeBook(bids, asks, 2)
	require.NotNil(t, ob)
	assert.Len(t, ob.Bids, 2)
	assert.Len(t, ob.Asks, 2)

	// Monotonic invariants.
	for i := 1; i < len(ob.Bids); i++ {
		assert.True(t, ob.Bids[i-1].Price >= ob.Bids[i].Price)
	}
	for i := 1; i < len(ob.Asks); i++ {
		assert.True(t, ob.Asks[i-1].Price <= ob.Asks[i].Price)
	}
}

func TestNormalizeBook_EmptySide(t *testing.T) {
	assert.Nil(t, NormalizeBook(nil, []Level{{Price: 1, Size: 1}}, 50))
	assert.Nil(t, NormalizeBook([]Level{{Price: -1, Size: 1}}, []Level{{Price: 1, Size: 1}}, 50))
}

func TestVWAPForNotional_SufficientDepth(t *testing.T) {
	asks := []Level{
		{Price: 10, Size: 5},  // 50 USDT
		{Price: 11, Size: 10}, // 110 USDT
	}
	vwap, filled := VWAPForNotional(asks, 100)
	require.NotNil(t, vwap)
	assert.Equal(t, 100.0, filled)

	// filled_base * vwap == notional within 1e-6 relative error
	filledBase := 50.0/10 + 50.0/11
	assert.InEpsilon(t, 100.0, filledBase**vwap, 1e-6)
	assert.True(t, *vwap > 10 && *vwap < 11)
}

func TestVWAPForNotional_InsufficientDepth(t *testing.T) {
	asks := []Level{{Price: 10, Size: 1}} // 10 USDT available
	vwap, filled := VWAPForNotional(asks, 100)
	assert.Nil(t, vwap)
	assert.Equal(t, 10.0, filled)
}

func TestVWAPForNotional_EmptyBook(t *testing.T) {
	vwap, filled := VWAPForNotional(nil, 50)
	assert.Nil(t, vwap)
	assert.Equal(t, 0.0, filled)
}

func TestVWAPForNotional_ExactFill(t *testing.T) {
	asks := []Level{{Price: 2, Size: 25}} // exactly 50 USDT
	vwap, filled := VWAPForNotional(asks, 50)
	require.NotNil(t, vwap)
	assert.Equal(t, 2.0, *vwap)
	assert.Equal(t, 50.0, filled)
	assert.False(t, math.IsNaN(*vwap))
}
