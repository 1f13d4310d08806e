package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates join tokens scanner nodes present
// when registering with the coordinator cluster. Every token grants
// "scanner" join rights since there's a single node role.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

func (tm *TokenManager) Generate(ttl time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("coordinator: generate token: %w", err)
	}
	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

func (tm *TokenManager) Validate(token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	jt, ok := tm.tokens[token]
	if !ok {
		return fmt.Errorf("coordinator: invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return fmt.Errorf("coordinator: join token expired")
	}
	return nil
}

func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}
