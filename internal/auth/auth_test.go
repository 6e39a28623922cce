package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bluechip/exchange/internal/store"
)

var secret = []byte("test-secret")

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	s := NewService(st, secret, time.Hour, decimal.NewFromInt(1000))
	s.HashCost = bcrypt.MinCost
	return s, st
}

func TestService_Register(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"Success", "alice", "password123", nil},
		{"EmptyUsername", "", "password123", ErrInvalidUsername},
		{"EmptyPassword", "bob", "", ErrInvalidPassword},
		{"UsernameTooLong", strings.Repeat("a", 51), "password123", ErrInvalidUsername},
		{"UsernameWithSpace", "bob smith", "password123", ErrInvalidUsername},
		{"PasswordTooLong", "bob", strings.Repeat("p", 73), ErrInvalidPassword},
		{"Duplicate", "alice", "other", ErrUsernameTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, user)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, user.ID)
			assert.True(t, user.Balance.Equal(decimal.NewFromInt(1000)))
			assert.NotEqual(t, tt.password, user.PasswordHash)

			stored, err := st.GetUserByUsername(ctx, tt.username)
			require.NoError(t, err)
			assert.Equal(t, user.ID, stored.ID)
		})
	}
}

func TestService_LoginAndParse(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	user, err := s.Register(ctx, "alice", "password123")
	require.NoError(t, err)

	token, err := s.Login(ctx, "alice", "password123")
	require.NoError(t, err)

	userID, err := s.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	_, err = s.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Login(ctx, "nobody", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_ParseTokenRejects(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()
	user, err := s.Register(ctx, "alice", "password123")
	require.NoError(t, err)

	// Expired: issued two hours ago with a one hour TTL.
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := s.IssueToken(user)
	require.NoError(t, err)
	s.now = time.Now

	// Signed with a different secret.
	other := NewService(store.NewMemoryStore(), []byte("other-secret"), time.Hour, decimal.Zero)
	forged, err := other.IssueToken(user)
	require.NoError(t, err)

	// Unsigned.
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": user.ID, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	// No expiry.
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": user.ID}).SignedString(secret)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired": expired, "forged": forged, "none": none, "noexp": noExp, "garbage": "not.a.token",
	} {
		_, err := s.ParseToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestService_Middleware(t *testing.T) {
	s, _ := newService(t)
	user, err := s.Register(context.Background(), "alice", "password123")
	require.NoError(t, err)
	token, err := s.IssueToken(user)
	require.NoError(t, err)

	var seen string
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"NoHeader", "", http.StatusUnauthorized},
		{"BadToken", "Bearer nope", http.StatusUnauthorized},
		{"Bearer", "Bearer " + token, http.StatusNoContent},
		{"LowercaseBearer", "bearer " + token, http.StatusNoContent},
		{"BareToken", token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, user.ID, seen)
			} else {
				assert.Empty(t, seen)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestUserIDFromContext_Missing(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)
}
