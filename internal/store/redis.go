package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only display reads are cached. Units of work always read the primary, so
// settlement never prices from a cached supply.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) CreatePost(ctx context.Context, p *model.Post) error {
	if err := s.primary.CreatePost(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, postListKey)
	s.set(ctx, postKey(p.ID), p)
	return nil
}

// WithTx runs fn against the primary and, once it commits, drops every
// cache entry the unit of work touched.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{posts: map[string]bool{}, users: map[string]bool{}}
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.posts)+len(rec.users)+1)
	if len(rec.posts) > 0 {
		keys = append(keys, postListKey)
	}
	for id := range rec.posts {
		keys = append(keys, postKey(id))
	}
	for id := range rec.users {
		keys = append(keys, positionsKey(id))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPost(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	if s.get(ctx, postKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	post, err := s.primary.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, postKey(id), post)
	return post, nil
}

func (s *CachedStore) ListPosts(ctx context.Context) ([]model.Post, error) {
	var posts []model.Post
	if s.get(ctx, postListKey, &posts) {
		return posts, nil
	}

	posts, err := s.primary.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, postListKey, posts)
	return posts, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) GetTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.GetTransactionsByUser(ctx, userID)
}

func (s *CachedStore) GetTransactionsByPost(ctx context.Context, postID string) ([]model.Transaction, error) {
	return s.primary.GetTransactionsByPost(ctx, postID)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.primary.Snapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const postListKey = "posts:all"

func postKey(id string) string       { return fmt.Sprintf("post:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// recordingTx notes which users and posts a unit of work wrote.
type recordingTx struct {
	Tx
	posts map[string]bool
	users map[string]bool
}

func (t *recordingTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	t.users[userID] = true
	return t.Tx.SetBalance(ctx, userID, balance)
}

func (t *recordingTx) SetSharesSold(ctx context.Context, postID string, sharesSold int) error {
	t.posts[postID] = true
	return t.Tx.SetSharesSold(ctx, postID, sharesSold)
}

func (t *recordingTx) PutPosition(ctx context.Context, pos *model.Position) error {
	t.users[pos.UserID] = true
	return t.Tx.PutPosition(ctx, pos)
}

func (t *recordingTx) DeletePosition(ctx context.Context, userID, postID string) error {
	t.users[userID] = true
	return t.Tx.DeletePosition(ctx, userID, postID)
}
