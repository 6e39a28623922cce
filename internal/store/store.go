// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

var (
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("store: not found")

	// ErrUsernameTaken is returned when creating a user whose username exists.
	ErrUsernameTaken = errors.New("store: username taken")

	// ErrConflict is returned when a unit of work lost a race with a
	// concurrent one and was rolled back. It is safe to retry.
	ErrConflict = errors.New("store: concurrent modification")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Usernames are unique.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// --- Posts ---

	// CreatePost persists a new post.
	CreatePost(ctx context.Context, post *model.Post) error

	// GetPost retrieves a post by ID.
	GetPost(ctx context.Context, id string) (*model.Post, error)

	// ListPosts returns all posts, newest first.
	ListPosts(ctx context.Context) ([]model.Post, error)

	// --- Positions ---

	// GetUserPositions returns every open position of a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Immutable transaction log ---

	// GetTransactionsByUser returns a user's trades, oldest first.
	GetTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// GetTransactionsByPost returns a post's trades, oldest first.
	GetTransactionsByPost(ctx context.Context, postID string) ([]model.Transaction, error)

	// --- Consistent reads and writes ---

	// Snapshot reads all users, posts and positions as of a single point in
	// time, so no trade is observed half-applied.
	Snapshot(ctx context.Context) (*Snapshot, error)

	// WithTx runs fn as one unit of work. If fn returns nil every write it
	// made is committed together; otherwise none is. ErrConflict reports
	// that a concurrent unit of work won and fn's writes were discarded.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work. Reads made
// through Tx lock the rows they return until the unit of work ends. Lock
// users before posts.
type Tx interface {
	// LockUser reads a user for update.
	LockUser(ctx context.Context, id string) (*model.User, error)

	// LockPost reads a post for update.
	LockPost(ctx context.Context, id string) (*model.Post, error)

	// GetPosition reads a position for update; ErrNotFound if none.
	GetPosition(ctx context.Context, userID, postID string) (*model.Position, error)

	// SetBalance overwrites a user's cash balance.
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// SetSharesSold overwrites a post's supply counter.
	SetSharesSold(ctx context.Context, postID string, sharesSold int) error

	// PutPosition inserts or replaces a position.
	PutPosition(ctx context.Context, pos *model.Position) error

	// DeletePosition removes a position.
	DeletePosition(ctx context.Context, userID, postID string) error

	// InsertTransaction appends an immutable trade record.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error
}

// Snapshot is a point-in-time copy of the records valuation needs.
type Snapshot struct {
	Users     []model.User
	Posts     []model.Post
	Positions []model.Position
}
