package valuation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluechip/exchange/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNetWorth_UsesLivePrice(t *testing.T) {
	positions := []model.Position{
		{UserID: "u1", PostID: "p1", SharesOwned: 3, AvgBuyPrice: dec("1")},
		{UserID: "u1", PostID: "gone", SharesOwned: 50},
	}
	// price(10) = 15
	got := NetWorth(dec("100"), positions, map[string]int{"p1": 10})
	assert.True(t, got.Equal(dec("145")), "got %s", got)
}

func TestComputeLeaderboard_RanksByNetWorth(t *testing.T) {
	users := []model.User{
		{ID: "u1", Username: "alice", Balance: dec("900")},
		{ID: "u2", Username: "bob", Balance: dec("1000")},
		{ID: "u3", Username: "carol", Balance: dec("10")},
	}
	posts := []model.Post{{ID: "p1", SharesSold: 50}} // price 135
	positions := []model.Position{
		{UserID: "u1", PostID: "p1", SharesOwned: 1},
		{UserID: "u3", PostID: "p1", SharesOwned: 10},
	}

	board := ComputeLeaderboard(users, positions, posts)
	require.Len(t, board, 3)

	assert.Equal(t, "carol", board[0].Username)
	assert.True(t, board[0].NetWorth.Equal(dec("1360")))
	assert.Equal(t, "alice", board[1].Username)
	assert.True(t, board[1].NetWorth.Equal(dec("1035")))
	assert.Equal(t, "bob", board[2].Username)
	assert.True(t, board[2].NetWorth.Equal(dec("1000")))
	assert.True(t, board[2].Balance.Equal(dec("1000")))

	for i, e := range board {
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, "$1,360.00", board[0].NetWorthDisplay)
}

func TestComputeLeaderboard_DeterministicTiebreak(t *testing.T) {
	users := []model.User{
		{ID: "u9", Username: "zed", Balance: dec("500")},
		{ID: "u2", Username: "amy", Balance: dec("500")},
		{ID: "u1", Username: "amy", Balance: dec("500.00")},
	}

	for i := 0; i < 5; i++ {
		board := ComputeLeaderboard(users, nil, nil)
		require.Len(t, board, 3)
		assert.Equal(t, "u1", board[0].UserID)
		assert.Equal(t, "u2", board[1].UserID)
		assert.Equal(t, "u9", board[2].UserID)
		users[0], users[2] = users[2], users[0]
	}
}

func TestComputeLeaderboard_Empty(t *testing.T) {
	board := ComputeLeaderboard(nil, nil, nil)
	assert.NotNil(t, board)
	assert.Empty(t, board)
}

func TestBuildPortfolio(t *testing.T) {
	user := model.User{ID: "u1", Username: "alice", Balance: dec("948.5")}
	posts := []model.Post{
		{ID: "p1", Content: "first", SharesSold: 5},  // price 11.25
		{ID: "p2", Content: "second", SharesSold: 0}, // price 10
	}
	positions := []model.Position{
		{UserID: "u1", PostID: "p1", SharesOwned: 5, AvgBuyPrice: dec("10.3")},
		{UserID: "u1", PostID: "p2", SharesOwned: 1, AvgBuyPrice: dec("12")},
		{UserID: "u1", PostID: "missing", SharesOwned: 4, AvgBuyPrice: dec("10")},
		{UserID: "u2", PostID: "p1", SharesOwned: 9, AvgBuyPrice: dec("10")},
	}

	pf := BuildPortfolio(user, positions, posts)
	require.Len(t, pf.Holdings, 2)

	h := pf.Holdings[0]
	assert.Equal(t, "p1", h.PostID)
	assert.Equal(t, "first", h.Content)
	assert.True(t, h.CurrentPrice.Equal(dec("11.25")))
	assert.True(t, h.Value.Equal(dec("56.25")))
	assert.True(t, h.CostBasis.Equal(dec("51.5")))
	assert.True(t, h.UnrealizedPnL.Equal(dec("4.75")))
	assert.True(t, h.PnLPercent.Equal(dec("9.22")), "pct %s", h.PnLPercent)

	loss := pf.Holdings[1]
	assert.Equal(t, "p2", loss.PostID)
	assert.True(t, loss.UnrealizedPnL.Equal(dec("-2")))
	assert.True(t, loss.PnLPercent.Equal(dec("-16.67")), "pct %s", loss.PnLPercent)

	assert.True(t, pf.HoldingsValue.Equal(dec("66.25")))
	assert.True(t, pf.NetWorth.Equal(dec("1014.75")))
	assert.Equal(t, "$1,014.75", pf.NetWorthDisplay)
}

func TestBuildPortfolio_NoHoldings(t *testing.T) {
	pf := BuildPortfolio(model.User{ID: "u1", Balance: dec("1000")}, nil, nil)
	assert.NotNil(t, pf.Holdings)
	assert.Empty(t, pf.Holdings)
	assert.True(t, pf.NetWorth.Equal(dec("1000")))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$0.00", FormatAmount(decimal.Zero))
	assert.Equal(t, "$17,417.50", FormatAmount(dec("17417.5")))
	assert.Equal(t, "$10.01", FormatAmount(dec("10.005")))
}
