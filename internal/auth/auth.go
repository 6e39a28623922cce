// Package auth registers traders and issues and verifies the bearer tokens
// that identify them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/bluechip/exchange/internal/model"
	"github.com/bluechip/exchange/internal/store"
)

var (
	ErrInvalidUsername    = errors.New("auth: username must be 1-50 letters, digits, '.', '_' or '-'")
	ErrInvalidPassword    = errors.New("auth: password must be 1-72 bytes")
	ErrUsernameTaken      = errors.New("auth: username taken")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

const maxPasswordBytes = 72 // bcrypt ignores anything longer

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{1,50}$`)

// Service handles user registration and token issue.
type Service struct {
	store           store.Store
	secret          []byte
	ttl             time.Duration
	startingBalance decimal.Decimal

	// HashCost is the bcrypt cost for new passwords.
	HashCost int
	now      func() time.Time
}

// NewService creates an auth service. New users are credited with
// startingBalance; issued tokens expire after ttl.
func NewService(st store.Store, secret []byte, ttl time.Duration, startingBalance decimal.Decimal) *Service {
	return &Service{
		store:           st,
		secret:          secret,
		ttl:             ttl,
		startingBalance: startingBalance,
		HashCost:        bcrypt.DefaultCost,
		now:             time.Now,
	}
}

// Register creates a new user with a hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if !usernameRegex.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if password == "" || len(password) > maxPasswordBytes {
		return nil, ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.HashCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Balance:      s.startingBalance,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("auth: create user: %w", err)
	}

	slog.Info("user registered", "user", user.ID, "username", user.Username)
	return user, nil
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user)
}

// IssueToken signs an HS256 token carrying the user's ID and username.
func (s *Service) IssueToken(user *model.User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies a token and returns the user ID it carries.
func (s *Service) ParseToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	if _, ok := claims["exp"]; !ok {
		return "", fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	return userID, nil
}

type contextKey struct{}

// UserIDFromContext returns the authenticated user ID set by Middleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's user ID in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "authorization header required")
			return
		}
		tokenString := header
		if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
			tokenString = header[7:]
		}

		userID, err := s.ParseToken(tokenString)
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
