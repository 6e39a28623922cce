package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechip/exchange/internal/curve"
	"github.com/bluechip/exchange/internal/model"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyBuy_FirstPurchase(t *testing.T) {
	pos, err := ApplyBuy(nil, "u1", "p1", 4, d("42"), now)
	require.NoError(t, err)

	assert.Equal(t, "u1", pos.UserID)
	assert.Equal(t, "p1", pos.PostID)
	assert.Equal(t, 4, pos.SharesOwned)
	assert.True(t, pos.AvgBuyPrice.Equal(d("10.5")), "avg = %s", pos.AvgBuyPrice)
	assert.Equal(t, now, pos.UpdatedAt)
}

func TestApplyBuy_WeightedAverage(t *testing.T) {
	cost1, err := curve.BuyCost(0, 5)
	require.NoError(t, err)
	cost2, err := curve.BuyCost(5, 5)
	require.NoError(t, err)

	first, err := ApplyBuy(nil, "u1", "p1", 5, cost1, now)
	require.NoError(t, err)
	second, err := ApplyBuy(&first, "u1", "p1", 5, cost2, now.Add(time.Minute))
	require.NoError(t, err)

	want := cost1.Add(cost2).Div(decimal.NewFromInt(10))
	assert.Equal(t, 10, second.SharesOwned)
	assert.True(t, second.AvgBuyPrice.Equal(want), "avg = %s, want %s", second.AvgBuyPrice, want)
	assert.Equal(t, 5, first.SharesOwned, "input position must not be mutated")
}

func TestApplyBuy_RepeatingAverageIsRounded(t *testing.T) {
	pos, err := ApplyBuy(nil, "u1", "p1", 3, d("10"), now)
	require.NoError(t, err)
	assert.Equal(t, "3.33333333", pos.AvgBuyPrice.String())
}

func TestApplyBuy_Rejects(t *testing.T) {
	_, err := ApplyBuy(nil, "u1", "p1", 0, d("10"), now)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ApplyBuy(nil, "u1", "p1", 1, d("-1"), now)
	assert.ErrorIs(t, err, ErrInvalidCost)
}

func TestApplySell_PartialKeepsAverage(t *testing.T) {
	pos := &model.Position{UserID: "u1", PostID: "p1", SharesOwned: 10, AvgBuyPrice: d("11.425")}

	res, err := ApplySell(pos, 4, now)
	require.NoError(t, err)

	assert.False(t, res.Removed)
	assert.Equal(t, 6, res.Position.SharesOwned)
	assert.True(t, res.Position.AvgBuyPrice.Equal(d("11.425")))
	assert.True(t, res.BasisRemoved.Equal(d("45.7")), "basis removed = %s", res.BasisRemoved)
	assert.Equal(t, 10, pos.SharesOwned, "input position must not be mutated")
}

func TestApplySell_AllSharesRemovesPosition(t *testing.T) {
	pos := &model.Position{UserID: "u1", PostID: "p1", SharesOwned: 3, AvgBuyPrice: d("10")}

	res, err := ApplySell(pos, 3, now)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Zero(t, res.Position.SharesOwned)
}

func TestApplySell_Rejects(t *testing.T) {
	_, err := ApplySell(nil, 1, now)
	assert.ErrorIs(t, err, ErrNoPosition)

	pos := &model.Position{SharesOwned: 2, AvgBuyPrice: d("10")}
	_, err = ApplySell(pos, 3, now)
	assert.ErrorIs(t, err, ErrInsufficientHoldings)

	_, err = ApplySell(pos, 0, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCostBasis(t *testing.T) {
	pos := model.Position{SharesOwned: 4, AvgBuyPrice: d("12.25")}
	assert.True(t, CostBasis(pos).Equal(d("49")))
}
