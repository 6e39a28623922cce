// Package valuation marks holdings to the bonding curve and ranks traders
// by net worth.
//
// Every valuation reprices from shares_sold through curve.Price; no stored
// price is trusted.
package valuation

import (
	"sort"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/curve"
	"github.com/bluechip/exchange/internal/ledger"
	"github.com/bluechip/exchange/internal/model"
)

// DisplayCurrency is the currency used for the human-readable amounts.
const DisplayCurrency = money.USD

var hundred = decimal.NewFromInt(100)

// NetWorth returns balance plus the live value of positions. Positions on
// posts missing from supply are ignored.
func NetWorth(balance decimal.Decimal, positions []model.Position, supply map[string]int) decimal.Decimal {
	total := balance
	for _, p := range positions {
		sold, ok := supply[p.PostID]
		if !ok {
			continue
		}
		total = total.Add(positionValue(p.SharesOwned, sold))
	}
	return total
}

// ComputeLeaderboard ranks every user by net worth, highest first. Ties are
// broken by username, then by user ID, so the order is deterministic.
func ComputeLeaderboard(users []model.User, positions []model.Position, posts []model.Post) []model.LeaderboardEntry {
	supply := supplyByPost(posts)
	byUser := make(map[string][]model.Position, len(users))
	for _, p := range positions {
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}

	entries := make([]model.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		nw := NetWorth(u.Balance, byUser[u.ID], supply)
		entries = append(entries, model.LeaderboardEntry{
			UserID:          u.ID,
			Username:        u.Username,
			NetWorth:        nw,
			Balance:         u.Balance,
			NetWorthDisplay: FormatAmount(nw),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if c := a.NetWorth.Cmp(b.NetWorth); c != 0 {
			return c > 0
		}
		if a.Username != b.Username {
			return a.Username < b.Username
		}
		return a.UserID < b.UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// BuildPortfolio marks one user's positions to market. Holdings are ordered
// by value, highest first, then by post ID.
func BuildPortfolio(user model.User, positions []model.Position, posts []model.Post) model.Portfolio {
	byID := make(map[string]model.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	holdings := make([]model.Holding, 0, len(positions))
	holdingsValue := decimal.Zero
	for _, pos := range positions {
		if pos.UserID != user.ID {
			continue
		}
		post, ok := byID[pos.PostID]
		if !ok {
			continue
		}
		h := markHolding(pos, post)
		holdingsValue = holdingsValue.Add(h.Value)
		holdings = append(holdings, h)
	}
	sort.SliceStable(holdings, func(i, j int) bool {
		if c := holdings[i].Value.Cmp(holdings[j].Value); c != 0 {
			return c > 0
		}
		return holdings[i].PostID < holdings[j].PostID
	})

	nw := user.Balance.Add(holdingsValue)
	return model.Portfolio{
		UserID:          user.ID,
		Username:        user.Username,
		Balance:         user.Balance,
		Holdings:        holdings,
		HoldingsValue:   holdingsValue,
		NetWorth:        nw,
		NetWorthDisplay: FormatAmount(nw),
	}
}

func markHolding(pos model.Position, post model.Post) model.Holding {
	price := curve.Price(post.SharesSold)
	value := positionValue(pos.SharesOwned, post.SharesSold)
	basis := ledger.CostBasis(pos).Round(curve.PriceScale)
	pnl := value.Sub(basis)

	pct := decimal.Zero
	if basis.IsPositive() {
		pct = pnl.Div(basis).Mul(hundred).Round(2)
	}
	return model.Holding{
		PostID:        pos.PostID,
		Content:       post.Content,
		SharesOwned:   pos.SharesOwned,
		AvgBuyPrice:   pos.AvgBuyPrice,
		CurrentPrice:  price,
		Value:         value,
		CostBasis:     basis,
		UnrealizedPnL: pnl,
		PnLPercent:    pct,
	}
}

// positionValue is shares × the marginal price at the post's supply.
func positionValue(shares, sold int) decimal.Decimal {
	return decimal.NewFromInt(int64(shares)).Mul(curve.Price(sold))
}

func supplyByPost(posts []model.Post) map[string]int {
	supply := make(map[string]int, len(posts))
	for _, p := range posts {
		supply[p.ID] = p.SharesSold
	}
	return supply
}

// FormatAmount renders an amount in DisplayCurrency, e.g. "$1,234.50".
func FormatAmount(d decimal.Decimal) string {
	m := money.New(0, DisplayCurrency)
	cur := m.Currency()
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
