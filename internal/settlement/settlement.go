// Package settlement applies buy and sell trades against the bonding curve.
//
// Each trade is one unit of work: the trader's balance, the post's supply,
// the trader's position and the transaction log change together or not at
// all. All monetary values use shopspring/decimal.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/curve"
	"github.com/bluechip/exchange/internal/ledger"
	"github.com/bluechip/exchange/internal/metrics"
	"github.com/bluechip/exchange/internal/model"
	"github.com/bluechip/exchange/internal/store"
)

var (
	// ErrNotFound is the parent of every missing-record rejection.
	ErrNotFound = errors.New("settlement: not found")

	ErrUserNotFound     = fmt.Errorf("%w: user", ErrNotFound)
	ErrPostNotFound     = fmt.Errorf("%w: post", ErrNotFound)
	ErrPositionNotFound = fmt.Errorf("%w: holdings", ErrNotFound)

	ErrInvalidAmount        = errors.New("settlement: amount must be a positive whole number")
	ErrSupplyExceeded       = errors.New("settlement: not enough shares available")
	ErrInsufficientFunds    = errors.New("settlement: insufficient funds")
	ErrInsufficientHoldings = errors.New("settlement: you do not own enough shares")

	// ErrConflict is returned when concurrent trades kept winning the race
	// for the same rows. Nothing was applied; the caller may retry.
	ErrConflict = errors.New("settlement: concurrent trade conflict")
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 75 * time.Millisecond
	DefaultMaxBackoff  = 1200 * time.Millisecond
)

// Engine settles trades against a store.
type Engine struct {
	store       store.Store
	now         func() time.Time
	newID       func() string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides transaction ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithMaxAttempts sets how many times a conflicting unit of work is run
// before ErrConflict is returned. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between conflict retries.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.backoff = initial
		e.maxBackoff = max
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a settlement engine.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		maxBackoff:  DefaultMaxBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuyResult describes a settled buy.
type BuyResult struct {
	Transaction model.Transaction
	Position    model.Position
	NewBalance  decimal.Decimal
	NewSupply   int
	Cost        decimal.Decimal
	// Price is the marginal price of the next share after the trade.
	Price decimal.Decimal
}

// SellResult describes a settled sell.
type SellResult struct {
	Transaction model.Transaction
	// Position is nil when the sell closed it.
	Position     *model.Position
	NewBalance   decimal.Decimal
	NewSupply    int
	Payout       decimal.Decimal
	BasisRemoved decimal.Decimal
	Price        decimal.Decimal
}

// SettleBuy issues amount new shares of postID to userID.
//
// Rejections are checked in order: amount, user, post, remaining supply,
// then balance. A rejected trade changes nothing.
func (e *Engine) SettleBuy(ctx context.Context, userID, postID string, amount int) (*BuyResult, error) {
	start := time.Now()
	if amount <= 0 {
		return nil, e.reject(model.SideBuy, fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	}

	var res *BuyResult
	err := e.run(ctx, func(tx store.Tx) error {
		r, err := e.buy(ctx, tx, userID, postID, amount)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, e.reject(model.SideBuy, err)
	}

	e.settled(model.SideBuy, res.NewSupply, amount, start)
	e.logger.Info("trade settled",
		"trade_id", res.Transaction.ID,
		"side", model.SideBuy,
		"user", userID,
		"post", postID,
		"amount", amount,
		"cost", res.Cost.String(),
		"price", res.Price.String(),
		"supply", res.NewSupply,
	)
	return res, nil
}

// SettleSell retires amount shares of postID held by userID.
//
// Rejections are checked in order: amount, user, post, position, then
// shares owned. A rejected trade changes nothing.
func (e *Engine) SettleSell(ctx context.Context, userID, postID string, amount int) (*SellResult, error) {
	start := time.Now()
	if amount <= 0 {
		return nil, e.reject(model.SideSell, fmt.Errorf("%w: %d", ErrInvalidAmount, amount))
	}

	var res *SellResult
	err := e.run(ctx, func(tx store.Tx) error {
		r, err := e.sell(ctx, tx, userID, postID, amount)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, e.reject(model.SideSell, err)
	}

	e.settled(model.SideSell, res.NewSupply, amount, start)
	e.logger.Info("trade settled",
		"trade_id", res.Transaction.ID,
		"side", model.SideSell,
		"user", userID,
		"post", postID,
		"amount", amount,
		"payout", res.Payout.String(),
		"price", res.Price.String(),
		"supply", res.NewSupply,
	)
	return res, nil
}

// buy runs inside a unit of work. Rows are locked user, post, position.
func (e *Engine) buy(ctx context.Context, tx store.Tx, userID, postID string, amount int) (*BuyResult, error) {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	post, err := tx.LockPost(ctx, postID)
	if err != nil {
		return nil, notFound(err, ErrPostNotFound)
	}

	if post.SharesSold+amount > curve.MaxSupply {
		return nil, fmt.Errorf("%w: %d remaining", ErrSupplyExceeded, curve.Remaining(post.SharesSold))
	}
	cost, err := curve.BuyCost(post.SharesSold, amount)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(cost) {
		return nil, fmt.Errorf("%w: cost %s, balance %s", ErrInsufficientFunds, cost, user.Balance)
	}

	existing, err := tx.GetPosition(ctx, userID, postID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := e.now().UTC()
	pos, err := ledger.ApplyBuy(existing, userID, postID, amount, cost, now)
	if err != nil {
		return nil, err
	}

	newBalance := user.Balance.Sub(cost)
	newSupply := post.SharesSold + amount
	price := curve.Price(newSupply)
	txn := model.Transaction{
		ID:                 e.newID(),
		UserID:             userID,
		PostID:             postID,
		Side:               model.SideBuy,
		Amount:             amount,
		PriceAtTransaction: price,
		Total:              cost,
		Timestamp:          now,
	}

	if err := tx.SetBalance(ctx, userID, newBalance); err != nil {
		return nil, err
	}
	if err := tx.SetSharesSold(ctx, postID, newSupply); err != nil {
		return nil, err
	}
	if err := tx.PutPosition(ctx, &pos); err != nil {
		return nil, err
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}

	return &BuyResult{
		Transaction: txn,
		Position:    pos,
		NewBalance:  newBalance,
		NewSupply:   newSupply,
		Cost:        cost,
		Price:       price,
	}, nil
}

func (e *Engine) sell(ctx context.Context, tx store.Tx, userID, postID string, amount int) (*SellResult, error) {
	user, err := tx.LockUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	post, err := tx.LockPost(ctx, postID)
	if err != nil {
		return nil, notFound(err, ErrPostNotFound)
	}
	existing, err := tx.GetPosition(ctx, userID, postID)
	if err != nil {
		return nil, notFound(err, ErrPositionNotFound)
	}

	if existing.SharesOwned < amount {
		return nil, fmt.Errorf("%w: selling %d, own %d", ErrInsufficientHoldings, amount, existing.SharesOwned)
	}
	payout, err := curve.SellValue(post.SharesSold, amount)
	if err != nil {
		// Holdings never exceed supply while both are kept by this engine.
		return nil, fmt.Errorf("settlement: post %s supply %d below holdings: %w", postID, post.SharesSold, err)
	}

	now := e.now().UTC()
	change, err := ledger.ApplySell(existing, amount, now)
	if err != nil {
		return nil, err
	}

	newBalance := user.Balance.Add(payout)
	newSupply := post.SharesSold - amount
	price := curve.Price(newSupply)
	txn := model.Transaction{
		ID:                 e.newID(),
		UserID:             userID,
		PostID:             postID,
		Side:               model.SideSell,
		Amount:             amount,
		PriceAtTransaction: price,
		Total:              payout,
		Timestamp:          now,
	}

	if err := tx.SetBalance(ctx, userID, newBalance); err != nil {
		return nil, err
	}
	if err := tx.SetSharesSold(ctx, postID, newSupply); err != nil {
		return nil, err
	}

	res := &SellResult{
		Transaction:  txn,
		NewBalance:   newBalance,
		NewSupply:    newSupply,
		Payout:       payout,
		BasisRemoved: change.BasisRemoved,
		Price:        price,
	}
	if change.Removed {
		if err := tx.DeletePosition(ctx, userID, postID); err != nil {
			return nil, err
		}
	} else {
		if err := tx.PutPosition(ctx, &change.Position); err != nil {
			return nil, err
		}
		res.Position = &change.Position
	}
	if err := tx.InsertTransaction(ctx, &txn); err != nil {
		return nil, err
	}
	return res, nil
}

// run executes fn as a unit of work, retrying with doubling backoff while
// the store reports a conflict.
func (e *Engine) run(ctx context.Context, fn func(tx store.Tx) error) error {
	delay := e.backoff
	for attempt := 1; ; attempt++ {
		err := e.store.WithTx(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= e.maxAttempts {
			return fmt.Errorf("%w: gave up after %d attempts", ErrConflict, attempt)
		}

		metrics.SettlementConflictRetries.Inc()
		e.logger.Warn("settlement conflict, retrying", "attempt", attempt, "delay", delay)
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		if delay < e.maxBackoff {
			delay = min(delay*2, e.maxBackoff)
		}
	}
}

func (e *Engine) settled(side model.Side, supply, amount int, start time.Time) {
	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.ShareVolume.WithLabelValues(string(side)).Add(float64(amount))
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.SupplyAfterTrade.WithLabelValues(string(side)).Observe(float64(supply))
}

func (e *Engine) reject(side model.Side, err error) error {
	reason := Reason(err)
	metrics.TradeRejections.WithLabelValues(string(side), reason).Inc()
	if reason == "error" {
		e.logger.Error("settlement failed", "side", side, "err", err)
	}
	return err
}

// Reason returns a short stable label for a settlement error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSupplyExceeded):
		return "supply_exceeded"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// notFound maps a store miss to the given settlement error.
func notFound(err, kind error) error {
	if errors.Is(err, store.ErrNotFound) {
		return kind
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
