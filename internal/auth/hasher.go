package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// TokenHasher stores bearer tokens as bcrypt(sha256(token)). The digest keeps
// long JWTs under bcrypt's 72 byte input limit.
type TokenHasher struct {
	cost int
}

func NewTokenHasher(cost int) *TokenHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &TokenHasher{cost: cost}
}

func (h *TokenHasher) Hash(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(digest(token), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// Matches compares in constant time for a given hash.
func (h *TokenHasher) Matches(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), digest(token)) == nil
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(sum[:]))
}
