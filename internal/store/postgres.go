package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

// PostgreSQL error codes mapped to store errors.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Schema: migrations/001_init.sql.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	userColumns     = `id, username, password_hash, balance::TEXT, created_at`
	postColumns     = `id, content, creator_id, shares_sold, created_at`
	positionColumns = `user_id, post_id, shares_owned, avg_buy_price::TEXT, updated_at`
	txnColumns      = `id, user_id, post_id, side, amount, price_at_transaction::TEXT, total::TEXT, timestamp`
)

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		u.ID, u.Username, u.PasswordHash, u.Balance.String(), u.CreatedAt,
	)
	if isPgError(err, pgUniqueViolation) {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, u.Username)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return getUser(ctx, s.pool, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

func (s *PostgresStore) CreatePost(ctx context.Context, p *model.Post) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO posts (id, content, creator_id, shares_sold, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Content, p.CreatorID, p.SharesSold, p.CreatedAt,
	)
	if isPgError(err, "23503") { // foreign_key_violation
		return fmt.Errorf("creator %s: %w", p.CreatorID, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return getPost(ctx, s.pool, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
}

func (s *PostgresStore) ListPosts(ctx context.Context) ([]model.Post, error) {
	return listPosts(ctx, s.pool)
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY post_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) GetTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) GetTransactionsByPost(ctx context.Context, postID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE post_id = $1 ORDER BY timestamp, id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// Snapshot reads inside one REPEATABLE READ, read-only transaction.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	snap := &Snapshot{}

	rows, err := tx.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Users = append(snap.Users, *u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if snap.Posts, err = listPosts(ctx, tx); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY user_id, post_id`)
	if err != nil {
		return nil, err
	}
	snap.Positions, err = scanPositions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	return snap, tx.Commit(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks are reported as ErrConflict.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return mapTxError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapTxError(err)
	}
	return nil
}

// postgresTx implements Tx on a pgx transaction. Row locks are taken with
// SELECT ... FOR UPDATE.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (t *postgresTx) LockPost(ctx context.Context, id string) (*model.Post, error) {
	return getPost(ctx, t.tx, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id)
}

func (t *postgresTx) GetPosition(ctx context.Context, userID, postID string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND post_id = $2 FOR UPDATE`, userID, postID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", userID, postID, ErrNotFound)
	}
	return p, err
}

func (t *postgresTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	return execOne(ctx, t.tx, "user "+userID,
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, userID, balance.String())
}

func (t *postgresTx) SetSharesSold(ctx context.Context, postID string, sharesSold int) error {
	return execOne(ctx, t.tx, "post "+postID,
		`UPDATE posts SET shares_sold = $2 WHERE id = $1`, postID, sharesSold)
}

func (t *postgresTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, post_id, shares_owned, avg_buy_price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id, post_id) DO UPDATE
		 SET shares_owned = EXCLUDED.shares_owned,
		     avg_buy_price = EXCLUDED.avg_buy_price,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.PostID, p.SharesOwned, p.AvgBuyPrice.String(), p.UpdatedAt,
	)
	return err
}

func (t *postgresTx) DeletePosition(ctx context.Context, userID, postID string) error {
	return execOne(ctx, t.tx, "position "+userID+"/"+postID,
		`DELETE FROM positions WHERE user_id = $1 AND post_id = $2`, userID, postID)
}

func (t *postgresTx) InsertTransaction(ctx context.Context, e *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, post_id, side, amount, price_at_transaction, total, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.UserID, e.PostID, string(e.Side), e.Amount,
		e.PriceAtTransaction.String(), e.Total.String(), e.Timestamp,
	)
	return err
}

// --- helpers ---

func execOne(ctx context.Context, q querier, what, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func getUser(ctx context.Context, q querier, sql string, arg string) (*model.User, error) {
	u, err := scanUser(q.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	return u, err
}

func getPost(ctx context.Context, q querier, sql string, id string) (*model.Post, error) {
	var p model.Post
	err := q.QueryRow(ctx, sql, id).Scan(&p.ID, &p.Content, &p.CreatorID, &p.SharesSold, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func listPosts(ctx context.Context, q querier) ([]model.Post, error) {
	rows, err := q.Query(ctx, `SELECT `+postColumns+` FROM posts ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		if err := rows.Scan(&p.ID, &p.Content, &p.CreatorID, &p.SharesSold, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &balance, &u.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if u.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &u, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg string
	if err := row.Scan(&p.UserID, &p.PostID, &p.SharesOwned, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.AvgBuyPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse avg_buy_price: %w", err)
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// scanTransactions reads pgx rows into Transaction slices.
func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var txns []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var side, priceS, totalS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.PostID, &side, &e.Amount,
			&priceS, &totalS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Side = model.Side(side)
		e.PriceAtTransaction, _ = decimal.NewFromString(priceS)
		e.Total, _ = decimal.NewFromString(totalS)

		txns = append(txns, e)
	}
	return txns, rows.Err()
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func mapTxError(err error) error {
	if isPgError(err, pgSerializationFailure) || isPgError(err, pgDeadlockDetected) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
