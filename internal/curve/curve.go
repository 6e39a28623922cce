// Package curve implements the quadratic bonding curve that prices post
// shares, and the discrete cost integration used when shares are issued or
// retired.
//
// The price of the next share at supply s is
//
//	price(s) = round(Base + s² / SlopeDivisor, 2)
//
// All monetary values use shopspring/decimal, never float64.
// The curve is stateless: supply levels are passed as arguments, not stored.
package curve

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MaxSupply is the number of shares a single post can ever have issued.
	MaxSupply = 100

	// PriceScale is the number of decimal places prices and sums are rounded to.
	PriceScale int32 = 2
)

var (
	// Base is the price of the very first share of every post.
	Base = decimal.NewFromInt(10)

	// SlopeDivisor controls the steepness of the quadratic term.
	SlopeDivisor = decimal.NewFromInt(20)
)

var (
	// ErrNegativeSupply is returned when a supply level below zero is requested.
	ErrNegativeSupply = errors.New("curve: supply must be non-negative")

	// ErrInvalidAmount is returned when a share amount is not strictly positive.
	ErrInvalidAmount = errors.New("curve: amount must be positive")

	// ErrSupplyExceeded is returned when issuing shares would go past MaxSupply.
	ErrSupplyExceeded = errors.New("curve: amount exceeds remaining supply")

	// ErrInsufficientSupply is returned when retiring more shares than are issued.
	ErrInsufficientSupply = errors.New("curve: amount exceeds issued supply")
)

// Price returns the marginal price of the next share to be issued when
// supply shares are already outstanding. supply must be non-negative;
// Price panics otherwise, callers validate supply before pricing.
//
// Price is defined at MaxSupply as well, so a sold-out post still has a
// display price even though that share can never be bought.
func Price(supply int) decimal.Decimal {
	if supply < 0 {
		panic(fmt.Sprintf("curve: price of negative supply %d", supply))
	}
	s := decimal.NewFromInt(int64(supply))
	return Base.Add(s.Mul(s).Div(SlopeDivisor)).Round(PriceScale)
}

// BuyCost returns the cost of issuing amount new shares starting at supply:
//
//	Σ price(supply + i), i ∈ [0, amount)
//
// The sum is rounded once, after summation, so no per-step rounding drift
// accumulates.
func BuyCost(supply, amount int) (decimal.Decimal, error) {
	if supply < 0 {
		return decimal.Zero, ErrNegativeSupply
	}
	if amount <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if supply+amount > MaxSupply {
		return decimal.Zero, fmt.Errorf("%w: supply %d + amount %d > %d",
			ErrSupplyExceeded, supply, amount, MaxSupply)
	}

	total := decimal.Zero
	for i := 0; i < amount; i++ {
		total = total.Add(Price(supply + i))
	}
	return total.Round(PriceScale), nil
}

// SellValue returns the proceeds of retiring amount shares from supply,
// walking the curve backwards from the most recently issued share:
//
//	Σ price(supply - 1 - i), i ∈ [0, amount)
//
// amount must not exceed supply. The quadratic is symmetric around zero,
// so a negative share index would still produce a plausible price; that is
// rejected here rather than silently priced.
func SellValue(supply, amount int) (decimal.Decimal, error) {
	if supply < 0 {
		return decimal.Zero, ErrNegativeSupply
	}
	if amount <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount > supply {
		return decimal.Zero, fmt.Errorf("%w: amount %d > supply %d",
			ErrInsufficientSupply, amount, supply)
	}

	total := decimal.Zero
	for i := 0; i < amount; i++ {
		total = total.Add(Price(supply - 1 - i))
	}
	return total.Round(PriceScale), nil
}

// Remaining returns how many shares can still be issued at supply.
func Remaining(supply int) int {
	if supply >= MaxSupply {
		return 0
	}
	if supply < 0 {
		return MaxSupply
	}
	return MaxSupply - supply
}
