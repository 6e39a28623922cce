// Package trade provides the HTTP handlers for registering traders, listing
// posts, settling trades and querying portfolios and the leaderboard.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/auth"
	"github.com/bluechip/exchange/internal/content"
	"github.com/bluechip/exchange/internal/curve"
	"github.com/bluechip/exchange/internal/events"
	"github.com/bluechip/exchange/internal/metrics"
	"github.com/bluechip/exchange/internal/model"
	"github.com/bluechip/exchange/internal/settlement"
	"github.com/bluechip/exchange/internal/store"
	"github.com/bluechip/exchange/internal/valuation"
)

// Service serves the exchange API. Trades are serialized by the settlement
// engine's unit of work, not by the service.
type Service struct {
	store     store.Store
	engine    *settlement.Engine
	auth      *auth.Service
	publisher events.Publisher
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed, and nil for pub
// to disable event publishing.
func NewService(st store.Store, engine *settlement.Engine, authSvc *auth.Service, pub events.Publisher, hub *WSHub) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{
		store:     st,
		engine:    engine,
		auth:      authSvc,
		publisher: pub,
		wsHub:     hub,
	}
}

// Mount registers every route on r.
func (s *Service) Mount(r chi.Router) {
	r.Post("/register", s.Register)
	r.Post("/token", s.Token)

	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.ListPosts)
		r.With(s.auth.Middleware).Post("/", s.CreatePost)
		r.Get("/{postID}", s.GetPost)
		r.Get("/{postID}/price", s.GetPrice)
		r.Get("/{postID}/history", s.GetPostHistory)
	})

	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Get("/portfolio/{userID}/summary", s.GetPortfolioSummary)
	r.Get("/leaderboard", s.GetLeaderboard)
	r.Get("/users/{userID}", s.GetUserProfile)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/users/me", s.GetMe)
		r.Post("/trade/buy", s.Buy)
		r.Post("/trade/sell", s.Sell)
		r.Get("/transactions", s.GetTransactions)
	})

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// Credentials is the body for registration and token requests.
// PasswordHash is accepted as an alias for Password, since older clients
// send the plain password under that name.
type Credentials struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash,omitempty"`
}

func (c Credentials) secret() string {
	if c.Password != "" {
		return c.Password
	}
	return c.PasswordHash
}

// TokenResponse is returned from POST /token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// CreatePostRequest is the JSON body for POST /posts/.
type CreatePostRequest struct {
	Content string `json:"content"`
}

// PostResponse is a post with its price derived from current supply.
type PostResponse struct {
	model.Post
	CurrentPrice decimal.Decimal `json:"current_price"`
	Remaining    int             `json:"remaining"`
}

// QuoteResponse is returned from GET /posts/{postID}/price. BuyCost is
// null when amount exceeds the remaining supply; SellValue is null when
// amount exceeds the issued supply.
type QuoteResponse struct {
	PostID       string           `json:"post_id"`
	SharesSold   int              `json:"shares_sold"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	Amount       int              `json:"amount"`
	BuyCost      *decimal.Decimal `json:"buy_cost"`
	SellValue    *decimal.Decimal `json:"sell_value"`
	Remaining    int              `json:"remaining"`
}

// TradeRequest is the optional JSON body for trades. Query parameters
// post_id and amount take precedence.
type TradeRequest struct {
	PostID string `json:"post_id"`
	Amount int    `json:"amount"`
}

// BuyResponse is returned from POST /trade/buy.
type BuyResponse struct {
	Status     string          `json:"status"`
	TradeID    string          `json:"trade_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
	NewSupply  int             `json:"new_supply"`
	Cost       decimal.Decimal `json:"cost"`
	Price      decimal.Decimal `json:"price"`
}

// SellResponse is returned from POST /trade/sell.
type SellResponse struct {
	Status     string          `json:"status"`
	TradeID    string          `json:"trade_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
	NewSupply  int             `json:"new_supply"`
	Payout     decimal.Decimal `json:"payout"`
	Price      decimal.Decimal `json:"price"`
}

// --- Identity ---

// Register handles POST /register
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.secret())
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, "Username taken", http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrInvalidUsername):
		writeError(w, "username must be 1-50 letters, digits, '.', '_' or '-'", http.StatusBadRequest)
		return
	case errors.Is(err, auth.ErrInvalidPassword):
		writeError(w, "password must be 1-72 bytes", http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("register failed", "err", err)
		writeError(w, "failed to register", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// Token handles POST /token. Credentials may be sent as a form or as JSON.
func (s *Service) Token(w http.ResponseWriter, r *http.Request) {
	var req Credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, "invalid form body", http.StatusBadRequest)
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		req.PasswordHash = r.PostForm.Get("password_hash")
	}

	token, err := s.auth.Login(r.Context(), req.Username, req.secret())
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			slog.Error("login failed", "err", err)
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// GetMe handles GET /users/me
func (s *Service) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeLookupError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Posts ---

// CreatePost handles POST /posts/
// Lists a new post owned by the caller with no shares sold.
func (s *Service) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	text, err := content.Normalize(req.Content)
	if err != nil {
		writeError(w, contentMessage(err), http.StatusBadRequest)
		return
	}

	creatorID, _ := auth.UserIDFromContext(r.Context())
	post := &model.Post{
		ID:         uuid.NewString(),
		Content:    text,
		CreatorID:  creatorID,
		SharesSold: 0,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreatePost(r.Context(), post); err != nil {
		writeLookupError(w, err, "User not found")
		return
	}

	metrics.PostsCreated.Inc()
	slog.Info("post listed", "post", post.ID, "creator", creatorID)

	writeJSON(w, http.StatusCreated, newPostResponse(*post))
}

// ListPosts handles GET /posts/
// Returns all posts, newest first, each priced from its current supply.
func (s *Service) ListPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListPosts(r.Context())
	if err != nil {
		writeError(w, "failed to list posts", http.StatusInternalServerError)
		return
	}

	resp := make([]PostResponse, 0, len(posts))
	for _, p := range posts {
		resp = append(resp, newPostResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPost handles GET /posts/{postID}
func (s *Service) GetPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		writeLookupError(w, err, "Post not found")
		return
	}
	writeJSON(w, http.StatusOK, newPostResponse(*post))
}

// GetPrice handles GET /posts/{postID}/price?amount=N
// Quotes the cost of buying and the proceeds of selling amount shares
// (default 1) at the current supply. Nothing is reserved.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	amount := 1
	if v := r.URL.Query().Get("amount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "amount must be a positive whole number", http.StatusBadRequest)
			return
		}
		amount = n
	}

	post, err := s.store.GetPost(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		writeLookupError(w, err, "Post not found")
		return
	}

	resp := QuoteResponse{
		PostID:       post.ID,
		SharesSold:   post.SharesSold,
		CurrentPrice: post.CurrentPrice(),
		Amount:       amount,
		Remaining:    curve.Remaining(post.SharesSold),
	}
	if cost, err := curve.BuyCost(post.SharesSold, amount); err == nil {
		resp.BuyCost = &cost
	}
	if value, err := curve.SellValue(post.SharesSold, amount); err == nil {
		resp.SellValue = &value
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPostHistory handles GET /posts/{postID}/history
// Returns the post's transactions, oldest first, to reconstruct price
// history.
func (s *Service) GetPostHistory(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	if _, err := s.store.GetPost(r.Context(), postID); err != nil {
		writeLookupError(w, err, "Post not found")
		return
	}

	txns, err := s.store.GetTransactionsByPost(r.Context(), postID)
	if err != nil {
		writeError(w, "failed to get post history", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// --- Trading ---

// Buy handles POST /trade/buy?post_id=&amount=
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	req, ok := parseTradeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.SettleBuy(r.Context(), userID, req.PostID, req.Amount)
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	s.announce(r.Context(), res.Transaction, res.NewSupply, res.NewBalance)
	writeJSON(w, http.StatusOK, BuyResponse{
		Status:     "success",
		TradeID:    res.Transaction.ID,
		NewBalance: res.NewBalance,
		NewSupply:  res.NewSupply,
		Cost:       res.Cost,
		Price:      res.Price,
	})
}

// Sell handles POST /trade/sell?post_id=&amount=
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	req, ok := parseTradeRequest(w, r)
	if !ok {
		return
	}

	res, err := s.engine.SettleSell(r.Context(), userID, req.PostID, req.Amount)
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	s.announce(r.Context(), res.Transaction, res.NewSupply, res.NewBalance)
	writeJSON(w, http.StatusOK, SellResponse{
		Status:     "success",
		TradeID:    res.Transaction.ID,
		NewBalance: res.NewBalance,
		NewSupply:  res.NewSupply,
		Payout:     res.Payout,
		Price:      res.Price,
	})
}

// announce broadcasts and publishes a committed trade. Failures are logged
// and counted; the trade stands regardless.
func (s *Service) announce(ctx context.Context, txn model.Transaction, supply int, balance decimal.Decimal) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "trade_settled",
			PostID:     txn.PostID,
			Side:       string(txn.Side),
			Amount:     txn.Amount,
			Price:      txn.PriceAtTransaction.String(),
			SharesSold: supply,
		})
	}

	ev := events.TradeEvent{
		TradeID:    txn.ID,
		UserID:     txn.UserID,
		PostID:     txn.PostID,
		Side:       txn.Side,
		Amount:     txn.Amount,
		Total:      txn.Total,
		Price:      txn.PriceAtTransaction,
		SharesSold: supply,
		NewBalance: balance,
		Timestamp:  txn.Timestamp,
	}
	if err := s.publisher.PublishTrade(context.WithoutCancel(ctx), ev); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Warn("trade event not published", "trade_id", txn.ID, "err", err)
	}
}

func parseTradeRequest(w http.ResponseWriter, r *http.Request) (TradeRequest, bool) {
	var req TradeRequest
	if r.ContentLength > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return req, false
		}
	}

	q := r.URL.Query()
	if v := q.Get("post_id"); v != "" {
		req.PostID = v
	}
	if v := q.Get("amount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "amount must be a positive whole number", http.StatusBadRequest)
			return req, false
		}
		req.Amount = n
	}

	if req.PostID == "" {
		writeError(w, "post_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// --- Portfolio & leaderboard ---

// GetPortfolio handles GET /portfolio/{userID}
// Returns the user's raw positions.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.GetUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolioSummary handles GET /portfolio/{userID}/summary
// Returns holdings marked to the live curve price with P&L and net worth.
// Cash and holdings come from one snapshot so a trade is never seen half
// applied.
func (s *Service) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	view, err := s.loadUserView(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLookupError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, valuation.BuildPortfolio(view.user, view.positions, view.posts))
}

// UserProfile is returned from GET /users/{userID}: the public account
// fields, the posts the user listed and the user's open positions.
type UserProfile struct {
	ID        string           `json:"id"`
	Username  string           `json:"username"`
	Balance   decimal.Decimal  `json:"balance"`
	Posts     []PostResponse   `json:"posts"`
	Positions []model.Position `json:"portfolio_items"`
}

// GetUserProfile handles GET /users/{userID}
func (s *Service) GetUserProfile(w http.ResponseWriter, r *http.Request) {
	view, err := s.loadUserView(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeLookupError(w, err, "User not found")
		return
	}

	profile := UserProfile{
		ID:        view.user.ID,
		Username:  view.user.Username,
		Balance:   view.user.Balance,
		Posts:     []PostResponse{},
		Positions: view.positions,
	}
	for _, p := range view.posts {
		if p.CreatorID == view.user.ID {
			profile.Posts = append(profile.Posts, newPostResponse(p))
		}
	}
	writeJSON(w, http.StatusOK, profile)
}

// userView is one user's slice of a store snapshot.
type userView struct {
	user      model.User
	positions []model.Position
	posts     []model.Post
}

// loadUserView reads the user, their positions and every post from a single
// Snapshot. Returns store.ErrNotFound when the user does not exist.
func (s *Service) loadUserView(ctx context.Context, userID string) (*userView, error) {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	view := &userView{positions: []model.Position{}, posts: snap.Posts}
	found := false
	for _, u := range snap.Users {
		if u.ID == userID {
			view.user = u
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	for _, p := range snap.Positions {
		if p.UserID == userID {
			view.positions = append(view.positions, p)
		}
	}
	return view, nil
}

// GetTransactions handles GET /transactions
// Returns the caller's transactions, oldest first.
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	txns, err := s.store.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// GetLeaderboard handles GET /leaderboard?limit=N
// Ranks every user by net worth from one consistent snapshot.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive whole number", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snap, err := s.store.Snapshot(r.Context())
	if err != nil {
		writeError(w, "failed to load leaderboard", http.StatusInternalServerError)
		return
	}

	board := valuation.ComputeLeaderboard(snap.Users, snap.Positions, snap.Posts)
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Helpers ---

func newPostResponse(p model.Post) PostResponse {
	return PostResponse{
		Post:         p,
		CurrentPrice: p.CurrentPrice(),
		Remaining:    curve.Remaining(p.SharesSold),
	}
}

func writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrInvalidAmount):
		writeError(w, "amount must be a positive whole number", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrUserNotFound):
		writeError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrPostNotFound):
		writeError(w, "Post not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrPositionNotFound):
		writeError(w, "Holdings not found", http.StatusNotFound)
	case errors.Is(err, settlement.ErrSupplyExceeded):
		writeError(w, "Not enough shares available", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrInsufficientFunds):
		writeError(w, "Insufficient funds", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrInsufficientHoldings):
		writeError(w, "You do not own enough shares", http.StatusBadRequest)
	case errors.Is(err, settlement.ErrConflict):
		writeError(w, "trade conflicted with a concurrent trade, retry", http.StatusConflict)
	default:
		writeError(w, "failed to settle trade", http.StatusInternalServerError)
	}
}

func writeLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("store lookup failed", "err", err)
	writeError(w, "internal error", http.StatusInternalServerError)
}

func contentMessage(err error) string {
	switch {
	case errors.Is(err, content.ErrEmpty):
		return "content is required"
	case errors.Is(err, content.ErrTooLong):
		return fmt.Sprintf("content must be at most %d characters", content.MaxLength)
	default:
		return "content contains invalid characters"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
