package curve

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Price function tests ---

func TestPrice_KnownPoints(t *testing.T) {
	tests := []struct {
		supply int
		want   string
	}{
		{0, "10"},
		{1, "10.05"},
		{3, "10.45"},
		{10, "15"},
		{50, "135"},
		{99, "500.05"},
		{100, "510"},
	}

	for _, tt := range tests {
		got := Price(tt.supply)
		assert.True(t, got.Equal(d(tt.want)), "Price(%d) = %s, want %s", tt.supply, got, tt.want)
	}
}

func TestPrice_MonotonicallyIncreasing(t *testing.T) {
	prev := Price(0)
	for s := 1; s < MaxSupply; s++ {
		p := Price(s)
		require.True(t, p.GreaterThan(prev), "price(%d)=%s, price(%d)=%s", s-1, prev, s, p)
		prev = p
	}
}

func TestPrice_NegativeSupplyPanics(t *testing.T) {
	assert.Panics(t, func() { Price(-1) })
}

// --- Buy cost tests ---

func TestBuyCost_SingleShareIsPrice(t *testing.T) {
	cost, err := BuyCost(0, 1)
	require.NoError(t, err)
	assert.True(t, cost.Equal(Price(0)))
	assert.True(t, cost.Equal(d("10")), "BuyCost(0, 1) = %s", cost)
}

func TestBuyCost_SumsMarginalPrices(t *testing.T) {
	// 10 + 10.05 + 10.2 + 10.45 + 10.8
	cost, err := BuyCost(0, 5)
	require.NoError(t, err)
	assert.True(t, cost.Equal(d("51.5")), "BuyCost(0, 5) = %s", cost)
}

func TestBuyCost_StrictlyIncreasingInAmount(t *testing.T) {
	for _, supply := range []int{0, 17, 60} {
		prev := decimal.Zero
		for amount := 1; supply+amount <= MaxSupply; amount++ {
			cost, err := BuyCost(supply, amount)
			require.NoError(t, err, "BuyCost(%d, %d)", supply, amount)
			require.True(t, cost.GreaterThan(prev), "BuyCost(%d, %d)=%s not greater than %s", supply, amount, cost, prev)
			prev = cost
		}
	}
}

func TestBuyCost_WholeCurve(t *testing.T) {
	cost, err := BuyCost(0, MaxSupply)
	require.NoError(t, err)
	// 100*10 + (Σ s², s=0..99)/20 = 1000 + 328350/20
	assert.True(t, cost.Equal(d("17417.5")), "BuyCost(0, 100) = %s", cost)
}

func TestBuyCost_Errors(t *testing.T) {
	tests := []struct {
		name           string
		supply, amount int
		want           error
	}{
		{"negative supply", -1, 1, ErrNegativeSupply},
		{"zero amount", 0, 0, ErrInvalidAmount},
		{"negative amount", 5, -2, ErrInvalidAmount},
		{"past max supply", 95, 6, ErrSupplyExceeded},
		{"sold out", MaxSupply, 1, ErrSupplyExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuyCost(tt.supply, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// --- Sell value tests ---

func TestSellValue_RoundTripSymmetry(t *testing.T) {
	for _, start := range []int{0, 1, 25, 80, 90} {
		cost, err := BuyCost(start, 10)
		require.NoError(t, err)
		value, err := SellValue(start+10, 10)
		require.NoError(t, err)
		assert.True(t, cost.Equal(value), "round trip from supply %d: paid %s, got back %s", start, cost, value)
	}
}

func TestSellValue_WalksCurveBackwards(t *testing.T) {
	// Selling 2 of 10 retires shares priced at supply 9 and 8.
	value, err := SellValue(10, 2)
	require.NoError(t, err)
	want := Price(9).Add(Price(8))
	assert.True(t, value.Equal(want), "SellValue(10, 2) = %s, want %s", value, want)
}

func TestSellValue_StrictlyIncreasingInAmount(t *testing.T) {
	supply := 40
	prev := decimal.Zero
	for amount := 1; amount <= supply; amount++ {
		value, err := SellValue(supply, amount)
		require.NoError(t, err)
		require.True(t, value.GreaterThan(prev), "SellValue(%d, %d)=%s not greater than %s", supply, amount, value, prev)
		prev = value
	}
}

func TestSellValue_RejectsNegativeShareIndex(t *testing.T) {
	// Without the bound, SellValue(3, 5) would price indices -1 and -2 as
	// mirrors of 1 and 2.
	_, err := SellValue(3, 5)
	assert.ErrorIs(t, err, ErrInsufficientSupply)
}

func TestSellValue_Errors(t *testing.T) {
	_, err := SellValue(-1, 1)
	assert.ErrorIs(t, err, ErrNegativeSupply)
	_, err = SellValue(10, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = SellValue(0, 1)
	assert.ErrorIs(t, err, ErrInsufficientSupply)
}

func TestRemaining(t *testing.T) {
	tests := []struct{ supply, want int }{
		{0, 100}, {42, 58}, {100, 0}, {120, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Remaining(tt.supply), "Remaining(%d)", tt.supply)
	}
}
