// Package auth guards the operator API with a bcrypt-hashed bearer token.
package auth

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 12

func HashToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", fmt.Errorf("token is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), DefaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// ValidateHash reports whether hash is a usable bcrypt hash.
func ValidateHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(strings.TrimSpace(hash))); err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}

// Verifier checks bearer tokens against one bcrypt hash. Tokens that verified
// once are remembered by digest so repeat requests skip the bcrypt cost.
type Verifier struct {
	hash     []byte
	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewVerifier returns nil when hash is empty, meaning the API is open.
func NewVerifier(hash string) (*Verifier, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, nil
	}
	if err := ValidateHash(trimmed); err != nil {
		return nil, err
	}
	return &Verifier{hash: []byte(trimmed), accepted: make(map[[sha256.Size]byte]struct{})}, nil
}

func (v *Verifier) Verify(token string) bool {
	trimmed := strings.TrimSpace(token)
	if v == nil || trimmed == "" {
		return false
	}
	digest := sha256.Sum256([]byte(trimmed))

	v.mu.RLock()
	_, ok := v.accepted[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(trimmed)) != nil {
		return false
	}
	v.mu.Lock()
	v.accepted[digest] = struct{}{}
	v.mu.Unlock()
	return true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
