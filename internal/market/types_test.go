package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampPrice(t *testing.T) {
	tests := []struct {
		name string
		v    float64
		last float64
		want float64
	}{
		{"normal", 100.5, 100, 100.5},
		{"zero", 0, 100, 100},
		{"negative", -5, 100, 100},
		{"too high", 1001, 100, 100},
		{"too low", 9.9, 100, 100},
		{"exactly 10x stays", 1000, 100, 1000},
		{"tiny last upper bound", 1e-3, 5e-5, 5e-5},
		{"tiny last no lower bound", 1e-6, 5e-5, 1e-6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampPrice(tt.v, tt.last))
		})
	}
}

func TestClampTicker_CrossedBook(t *testing.T) {
	tk := ClampTicker(100, 105, 95)
	assert.Equal(t, 100.0, tk.Bid)
	assert.Equal(t, 100.0, tk.Ask)

	tk = ClampTicker(100, 99.9, 100.1)
	assert.Equal(t, 99.9, tk.Bid)
	assert.Equal(t, 100.1, tk.Ask)
	assert.True(t, tk.Bid <= tk.Ask)
}

func TestClampTicker_GarbageSides(t *testing.T) {
	// Raw values differing from last by >10x are rewritten to last.
	tk := ClampTicker(30000, 2.5, 500000)
	assert.Equal(t, 30000.0, tk.Bid)
	assert.Equal(t, 30000.0, tk.Ask)
}

func TestMinutesUntilFunding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("nil input", func(t *testing.T) {
		assert.Nil(t, MinutesUntilFunding(nil, now))
	})

	t.Run("past returns nil not negative", func(t *testing.T) {
		past := now.Unix() - 600
		assert.Nil(t, MinutesUntilFunding(&past, now))
	})

	t.Run("seconds epoch", func(t *testing.T) {
		future := now.Unix() + 480
		m := MinutesUntilFunding(&future, now)
		require.NotNil(t, m)
		assert.Equal(t, 8, *m)
	})

	t.Run("milliseconds epoch", func(t *testing.T) {
		future := (now.Unix() + 480) * 1000
		m := MinutesUntilFunding(&future, now)
		require.NotNil(t, m)
		assert.Equal(t, 8, *m)
	})
}
