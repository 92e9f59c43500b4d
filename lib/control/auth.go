package control

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// ErrInvalidPassword is returned by Authenticate for a wrong password.
var ErrInvalidPassword = errors.New("invalid password")

// tokenSize is the number of random bytes in an access token.
const tokenSize = 32

// AuthManager hands out expiring access tokens in exchange for the
// configured password. Safe for concurrent use.
type AuthManager struct {
	mu       sync.RWMutex
	password string
	tokens   map[string]time.Time
	now      func() time.Time
}

// NewAuthManager creates an AuthManager accepting password.
func NewAuthManager(password string) *AuthManager {
	return &AuthManager{
		password: password,
		tokens:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// Authenticate checks password and returns a token valid for expiration.
func (am *AuthManager) Authenticate(password string, expiration time.Duration) (string, error) {
	am.mu.RLock()
	want := am.password
	am.mu.RUnlock()
	if subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 {
		return "", ErrInvalidPassword
	}

	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", oops.Wrapf(err, "generating token")
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	am.mu.Lock()
	am.tokens[token] = am.now().Add(expiration)
	am.mu.Unlock()

	log.WithField("at", "(AuthManager) Authenticate").Debug("issued access token")
	return token, nil
}

// ValidateToken reports whether token is known and unexpired. Expired
// tokens are forgotten.
func (am *AuthManager) ValidateToken(token string) bool {
	am.mu.RLock()
	expiry, ok := am.tokens[token]
	am.mu.RUnlock()
	if !ok {
		return false
	}
	if am.now().After(expiry) {
		am.RevokeToken(token)
		return false
	}
	return true
}

// RevokeToken forgets token.
func (am *AuthManager) RevokeToken(token string) {
	am.mu.Lock()
	delete(am.tokens, token)
	am.mu.Unlock()
}

// CleanupExpiredTokens drops every expired token and returns how many.
func (am *AuthManager) CleanupExpiredTokens() int {
	now := am.now()
	removed := 0
	am.mu.Lock()
	for token, expiry := range am.tokens {
		if now.After(expiry) {
			delete(am.tokens, token)
			removed++
		}
	}
	am.mu.Unlock()

	if removed > 0 {
		log.WithFields(logger.Fields{
			"at":      "(AuthManager) CleanupExpiredTokens",
			"removed": removed,
		}).Debug("cleaned up expired tokens")
	}
	return removed
}

// TokenCount returns the number of stored tokens.
func (am *AuthManager) TokenCount() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.tokens)
}

// ChangePassword replaces the password and revokes every token. It returns
// the number of revoked tokens.
func (am *AuthManager) ChangePassword(password string) int {
	am.mu.Lock()
	defer am.mu.Unlock()
	revoked := len(am.tokens)
	am.password = password
	am.tokens = make(map[string]time.Time)

	log.WithFields(logger.Fields{
		"at":      "(AuthManager) ChangePassword",
		"revoked": revoked,
	}).Info("password changed, all tokens revoked")
	return revoked
}
