package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidSignature is returned for any token that fails verification
var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs and verifies HS256 tokens with the installation key
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given key
func NewSigner(signingKey string) *Signer {
	return &Signer{key: []byte(signingKey)}
}

// Sign serializes claims into a signed token
func (s *Signer) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and fills claims
func (s *Signer) Parse(tokenStr string, claims jwt.Claims) error {
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !tok.Valid {
		return ErrInvalidSignature
	}
	return nil
}

// ActivationClaims carries a password recovery code
type ActivationClaims struct {
	Code string `json:"code"`
	jwt.RegisteredClaims
}

// Activation is a freshly issued recovery code
type Activation struct {
	// Token is handed to the user
	Token string
	// CodeHash and ExpiresAt are stored on the user
	CodeHash  string
	ExpiresAt time.Time
}

// ActivationIssuer issues and verifies signed activation codes
type ActivationIssuer struct {
	signer *Signer
	tokens *TokenGenerator
	ttl    time.Duration
	now    func() time.Time
}

// NewActivationIssuer creates an issuer whose codes live for ttl
func NewActivationIssuer(signingKey string, ttl time.Duration) *ActivationIssuer {
	return &ActivationIssuer{
		signer: NewSigner(signingKey),
		tokens: NewTokenGenerator(signingKey),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue creates a code for the user
func (a *ActivationIssuer) Issue(userID int64) (*Activation, error) {
	code, codeHash, err := a.tokens.GenerateToken()
	if err != nil {
		return nil, err
	}
	now := a.now()
	token, err := a.signer.Sign(ActivationClaims{
		Code: code,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(userID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	})
	if err != nil {
		return nil, err
	}
	return &Activation{Token: token, CodeHash: codeHash, ExpiresAt: now.Add(a.ttl).UTC()}, nil
}

// Verify checks the signature and returns the user id and raw code. The
// caller still has to compare the code with the stored hash via Matches
// and check the stored expiry.
func (a *ActivationIssuer) Verify(token string) (int64, string, error) {
	var claims ActivationClaims
	if err := a.signer.Parse(token, &claims); err != nil {
		return 0, "", err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.Code == "" {
		return 0, "", ErrInvalidSignature
	}
	return userID, claims.Code, nil
}

// Matches compares a raw code with the stored hash
func (a *ActivationIssuer) Matches(code, codeHash string) bool {
	return codeHash != "" && a.tokens.Equal(code, codeHash)
}
