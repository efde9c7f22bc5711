package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	// TokenLength is the number of symbols in an issued bearer token
	TokenLength = 20
	// TokenAlphabet is the symbol set of bearer tokens and one-time passwords
	TokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// TokenGenerator issues random tokens and computes their stored hashes.
// Hashes are HMAC-SHA256 keyed by the installation signing key so that a
// leaked table cannot be replayed against another installation.
type TokenGenerator struct {
	key []byte
}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator(signingKey string) *TokenGenerator {
	return &TokenGenerator{key: []byte(signingKey)}
}

// GenerateToken creates a new bearer token and returns it with its hash.
// Only the hash is ever stored.
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, err error) {
	token, err = RandomString(TokenLength)
	if err != nil {
		return "", "", err
	}
	return token, tg.HashToken(token), nil
}

// HashToken computes the lookup hash of a token
func (tg *TokenGenerator) HashToken(token string) string {
	mac := hmac.New(sha256.New, tg.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares a token against a stored hash in constant time
func (tg *TokenGenerator) Equal(token, tokenHash string) bool {
	return hmac.Equal([]byte(tg.HashToken(token)), []byte(tokenHash))
}

// ValidateTokenFormat checks if a token has the issued shape
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if len(token) != TokenLength {
		return fmt.Errorf("token must be %d characters", TokenLength)
	}
	for _, c := range token {
		if !isAlphanumeric(c) {
			return fmt.Errorf("token contains invalid character %q", c)
		}
	}
	return nil
}

// RandomString returns n symbols drawn uniformly from TokenAlphabet
func RandomString(n int) (string, error) {
	max := big.NewInt(int64(len(TokenAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		out[i] = TokenAlphabet[idx.Int64()]
	}
	return string(out), nil
}

func isAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
