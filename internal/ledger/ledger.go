// Package ledger applies buys and sells to per-(user, post) positions.
//
// A position keeps only the aggregate share count and a weighted average
// cost basis; individual purchase lots are not retained. The functions here
// are pure transitions over model.Position and are only called by
// settlement, inside a store unit of work.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

// AvgPriceScale is the number of decimal places the average buy price is
// rounded to.
const AvgPriceScale int32 = 8

var (
	// ErrInvalidAmount is returned for non-positive share amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidCost is returned for a negative buy cost.
	ErrInvalidCost = errors.New("ledger: cost must be non-negative")

	// ErrInsufficientHoldings is returned when selling more than is owned.
	ErrInsufficientHoldings = errors.New("ledger: amount exceeds shares owned")

	// ErrNoPosition is returned when selling without a position.
	ErrNoPosition = errors.New("ledger: no position")
)

// ApplyBuy returns the position after buying amount shares for cost.
// existing may be nil for a first purchase.
//
// The new average is (owned × avg + cost) / (owned + amount).
func ApplyBuy(existing *model.Position, userID, postID string, amount int, cost decimal.Decimal, at time.Time) (model.Position, error) {
	if amount <= 0 {
		return model.Position{}, ErrInvalidAmount
	}
	if cost.IsNegative() {
		return model.Position{}, ErrInvalidCost
	}

	qty := decimal.NewFromInt(int64(amount))
	if existing == nil {
		return model.Position{
			UserID:      userID,
			PostID:      postID,
			SharesOwned: amount,
			AvgBuyPrice: cost.Div(qty).Round(AvgPriceScale),
			UpdatedAt:   at,
		}, nil
	}

	owned := decimal.NewFromInt(int64(existing.SharesOwned))
	basis := owned.Mul(existing.AvgBuyPrice).Add(cost)
	total := existing.SharesOwned + amount

	next := *existing
	next.AvgBuyPrice = basis.Div(decimal.NewFromInt(int64(total))).Round(AvgPriceScale)
	next.SharesOwned = total
	next.UpdatedAt = at
	return next, nil
}

// SellResult is the outcome of ApplySell.
type SellResult struct {
	Position model.Position
	// Removed is true when no shares remain; the caller must delete the
	// position instead of storing it.
	Removed bool
	// BasisRemoved is amount × average buy price, the cost basis that left
	// the position.
	BasisRemoved decimal.Decimal
}

// ApplySell returns the position after selling amount shares. The average
// buy price is left unchanged.
func ApplySell(existing *model.Position, amount int, at time.Time) (SellResult, error) {
	if amount <= 0 {
		return SellResult{}, ErrInvalidAmount
	}
	if existing == nil {
		return SellResult{}, ErrNoPosition
	}
	if amount > existing.SharesOwned {
		return SellResult{}, fmt.Errorf("%w: selling %d, own %d",
			ErrInsufficientHoldings, amount, existing.SharesOwned)
	}

	next := *existing
	next.SharesOwned -= amount
	next.UpdatedAt = at
	return SellResult{
		Position:     next,
		Removed:      next.SharesOwned == 0,
		BasisRemoved: decimal.NewFromInt(int64(amount)).Mul(existing.AvgBuyPrice),
	}, nil
}

// CostBasis returns shares × average buy price for a position.
func CostBasis(p model.Position) decimal.Decimal {
	return decimal.NewFromInt(int64(p.SharesOwned)).Mul(p.AvgBuyPrice)
}
