package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx holds the write lock for the whole unit of work, so every
// settlement is serialized; readers only ever see committed state.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	posts     map[string]*model.Post
	positions map[positionKey]*model.Position
	txns      []model.Transaction
}

type positionKey struct {
	userID string
	postID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		posts:     make(map[string]*model.Post),
		positions: make(map[positionKey]*model.Position),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, u.Username)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
}

func (s *MemoryStore) CreatePost(_ context.Context, p *model.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[p.CreatorID]; !ok {
		return fmt.Errorf("creator %s: %w", p.CreatorID, ErrNotFound)
	}
	if _, ok := s.posts[p.ID]; ok {
		return fmt.Errorf("post %s already exists", p.ID)
	}
	copy := *p
	s.posts[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPost(_ context.Context, id string) (*model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPosts(_ context.Context) ([]model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedPosts(), nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.userID == userID {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) GetTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTransactionsByPost(_ context.Context, postID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.txns {
		if t.PostID == postID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Users:     make([]model.User, 0, len(s.users)),
		Posts:     s.sortedPosts(),
		Positions: make([]model.Position, 0, len(s.positions)),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, *u)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	sortPositions(snap.Positions)
	return snap, nil
}

// WithTx stages every write made by fn and applies them only if fn
// succeeds.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:         s,
		users:     make(map[string]*model.User),
		posts:     make(map[string]*model.Post),
		positions: make(map[positionKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// sortedPosts must be called with s.mu held.
func (s *MemoryStore) sortedPosts() []model.Post {
	posts := make([]model.Post, 0, len(s.posts))
	for _, p := range s.posts {
		posts = append(posts, *p)
	}
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
	return posts
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].UserID != ps[j].UserID {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].PostID < ps[j].PostID
	})
}

// memoryTx overlays staged writes on the committed maps. A nil entry in
// positions marks a staged delete.
type memoryTx struct {
	s         *MemoryStore
	users     map[string]*model.User
	posts     map[string]*model.Post
	positions map[positionKey]*model.Position
	txns      []model.Transaction
}

func (t *memoryTx) LockUser(_ context.Context, id string) (*model.User, error) {
	u, err := t.user(id)
	if err != nil {
		return nil, err
	}
	copy := *u
	return &copy, nil
}

func (t *memoryTx) LockPost(_ context.Context, id string) (*model.Post, error) {
	p, err := t.post(id)
	if err != nil {
		return nil, err
	}
	copy := *p
	return &copy, nil
}

func (t *memoryTx) GetPosition(_ context.Context, userID, postID string) (*model.Position, error) {
	k := positionKey{userID, postID}
	p, staged := t.positions[k]
	if !staged {
		p = t.s.positions[k]
	}
	if p == nil {
		return nil, fmt.Errorf("position %s/%s: %w", userID, postID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (t *memoryTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	u, err := t.user(userID)
	if err != nil {
		return err
	}
	next := *u
	next.Balance = balance
	t.users[userID] = &next
	return nil
}

func (t *memoryTx) SetSharesSold(_ context.Context, postID string, sharesSold int) error {
	p, err := t.post(postID)
	if err != nil {
		return err
	}
	next := *p
	next.SharesSold = sharesSold
	t.posts[postID] = &next
	return nil
}

func (t *memoryTx) PutPosition(_ context.Context, pos *model.Position) error {
	copy := *pos
	t.positions[positionKey{pos.UserID, pos.PostID}] = &copy
	return nil
}

func (t *memoryTx) DeletePosition(_ context.Context, userID, postID string) error {
	t.positions[positionKey{userID, postID}] = nil
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	t.txns = append(t.txns, *txn)
	return nil
}

func (t *memoryTx) user(id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		return u, nil
	}
	if u, ok := t.s.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
}

func (t *memoryTx) post(id string) (*model.Post, error) {
	if p, ok := t.posts[id]; ok {
		return p, nil
	}
	if p, ok := t.s.posts[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("post %s: %w", id, ErrNotFound)
}

// commit must be called with s.mu held for writing.
func (t *memoryTx) commit() {
	for id, u := range t.users {
		t.s.users[id] = u
	}
	for id, p := range t.posts {
		t.s.posts[id] = p
	}
	for k, p := range t.positions {
		if p == nil {
			delete(t.s.positions, k)
			continue
		}
		t.s.positions[k] = p
	}
	t.s.txns = append(t.s.txns, t.txns...)
}
