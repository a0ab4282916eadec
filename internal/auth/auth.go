// Package auth provides JWT-based session authentication middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hts-nas/nasgate/internal/access"
	"github.com/hts-nas/nasgate/internal/accounts"
	"github.com/hts-nas/nasgate/internal/logging"
	"github.com/hts-nas/nasgate/internal/metrics"
)

type contextKey string

const (
	accountContextKey contextKey = "account"
	tokenContextKey   contextKey = "token"
)

// TokenTTL is how long an issued session token remains valid.
const TokenTTL = 24 * time.Hour

// Claims holds JWT token claims. Grants are deliberately absent: the
// middleware re-reads the account on every request so grant changes take
// effect immediately, not at next login.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and validates session tokens against the account store.
type Auth struct {
	store  *accounts.Store
	secret []byte

	mu      sync.Mutex
	revoked map[string]time.Time // token hash -> expiry, for logout
}

// New creates an Auth handler signing with the given secret.
func New(store *accounts.Store, jwtSecret string) *Auth {
	return &Auth{
		store:   store,
		secret:  []byte(jwtSecret),
		revoked: make(map[string]time.Time),
	}
}

// Login verifies credentials and returns a signed token with its expiry.
func (a *Auth) Login(username, password string) (string, time.Time, *access.Account, error) {
	record, err := a.store.Authenticate(username, password)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed", zap.String("username", username))
		return "", time.Time{}, nil, err
	}

	now := time.Now()
	claims := &Claims{
		Username: record.Username,
		Role:     record.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "nasgate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return "", time.Time{}, nil, fmt.Errorf("sign token: %w", err)
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", record.Username))
	return tokenStr, claims.ExpiresAt.Time, record.Account(), nil
}

// Logout revokes the given token for the remainder of its lifetime.
func (a *Auth) Logout(tokenStr string) {
	claims, err := a.validateToken(tokenStr)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[hashToken(tokenStr)] = claims.ExpiresAt.Time
	// Expired entries need no revocation record anymore.
	now := time.Now()
	for h, exp := range a.revoked {
		if exp.Before(now) {
			delete(a.revoked, h)
		}
	}
}

// Middleware validates the session token and injects the freshly loaded
// account into the request context. A token naming a deleted account is
// rejected.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if a.isRevoked(tokenStr) {
			sendAuthError(w, http.StatusUnauthorized, "token has been revoked")
			return
		}

		record, err := a.store.Get(claims.Username)
		if err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				sendAuthError(w, http.StatusUnauthorized, "account no longer exists")
				return
			}
			logging.Error("account lookup failed", zap.Error(err))
			sendAuthError(w, http.StatusInternalServerError, "account lookup failed")
			return
		}

		ctx := context.WithValue(r.Context(), accountContextKey, record.Account())
		ctx = context.WithValue(ctx, tokenContextKey, tokenStr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccount extracts the authenticated account from the request context.
func GetAccount(ctx context.Context) *access.Account {
	account, _ := ctx.Value(accountContextKey).(*access.Account)
	return account
}

// GetToken extracts the raw session token from the request context.
func GetToken(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// WithAccount injects an account into a context. Used by tests.
func WithAccount(ctx context.Context, account *access.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (a *Auth) isRevoked(tokenStr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, revoked := a.revoked[hashToken(tokenStr)]
	return revoked
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback, needed by EventSource clients that cannot
	// set headers.
	return r.URL.Query().Get("token")
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
