// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/curve"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// User is a trader. Balance is the only place cash lives and is changed
// exclusively by settlement.
type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Post is a short text item that trades as a security. SharesSold is the
// authoritative supply counter, bounded by curve.MaxSupply.
type Post struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	CreatorID  string    `json:"creator_id"`
	SharesSold int       `json:"shares_sold"`
	CreatedAt  time.Time `json:"created_at"`
}

// CurrentPrice is the marginal price of the next share, derived from
// SharesSold on every call. It is never stored.
func (p Post) CurrentPrice() decimal.Decimal {
	return curve.Price(p.SharesSold)
}

// Position is a user's current holding in one post. A position with zero
// shares is deleted rather than stored.
type Position struct {
	UserID      string          `json:"user_id"`
	PostID      string          `json:"post_id"`
	SharesOwned int             `json:"shares_owned"`
	AvgBuyPrice decimal.Decimal `json:"avg_buy_price"` // weighted average cost basis
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Transaction is an immutable record of a settled trade.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	PostID string `json:"post_id"`
	Side   Side   `json:"type"`
	Amount int    `json:"amount"`
	// PriceAtTransaction is the marginal price after the trade, not the
	// average paid or received. Total carries the cash that moved.
	PriceAtTransaction decimal.Decimal `json:"price_at_transaction"`
	Total              decimal.Decimal `json:"total"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Holding is a mark-to-market view of one position.
type Holding struct {
	PostID        string          `json:"post_id"`
	Content       string          `json:"content"`
	SharesOwned   int             `json:"shares_owned"`
	AvgBuyPrice   decimal.Decimal `json:"avg_buy_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	Value         decimal.Decimal `json:"value"`          // shares × current price
	CostBasis     decimal.Decimal `json:"cost_basis"`     // shares × avg buy price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // value - cost basis
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
}

// Portfolio aggregates a user's holdings with cash and net worth.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Username        string          `json:"username"`
	Balance         decimal.Decimal `json:"balance"`
	Holdings        []Holding       `json:"holdings"`
	HoldingsValue   decimal.Decimal `json:"holdings_value"`
	NetWorth        decimal.Decimal `json:"net_worth"`
	NetWorthDisplay string          `json:"net_worth_display"`
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	Rank            int             `json:"rank"`
	UserID          string          `json:"user_id"`
	Username        string          `json:"username"`
	NetWorth        decimal.Decimal `json:"net_worth"`
	Balance         decimal.Decimal `json:"balance"`
	NetWorthDisplay string          `json:"net_worth_display"`
}
