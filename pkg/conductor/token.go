package conductor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager manages app-authentication tokens for app interfaces
type TokenManager struct {
	tokens map[string]*AppToken
	mu     sync.RWMutex
}

// AppToken is a short-lived credential binding an app-interface connection
// to one app and its allowed origins
type AppToken struct {
	Token          string
	AppID          string
	AllowedOrigins []string
	SingleUse      bool
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*AppToken),
	}
}

// IssueToken issues a new app-authentication token
func (tm *TokenManager) IssueToken(appID string, allowedOrigins []string, singleUse bool, duration time.Duration) (*AppToken, error) {
	// Generate a random token
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := hex.EncodeToString(bytes)

	at := &AppToken{
		Token:          token,
		AppID:          appID,
		AllowedOrigins: allowedOrigins,
		SingleUse:      singleUse,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[token] = at
	tm.mu.Unlock()

	return at, nil
}

// ValidateToken validates a token against an origin and returns the bound
// app id. Single-use tokens are consumed on success.
func (tm *TokenManager) ValidateToken(token, origin string) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	at, exists := tm.tokens[token]
	if !exists {
		return "", fmt.Errorf("invalid token")
	}

	if time.Now().After(at.ExpiresAt) {
		delete(tm.tokens, token)
		return "", fmt.Errorf("token expired")
	}

	if len(at.AllowedOrigins) > 0 && origin != "" {
		allowed := false
		for _, o := range at.AllowedOrigins {
			if o == origin || o == "*" {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("origin %q not allowed", origin)
		}
	}

	if at.SingleUse {
		delete(tm.tokens, token)
	}
	return at.AppID, nil
}

// RevokeToken revokes a token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, at := range tm.tokens {
		if now.After(at.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
