package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestTokenGenerator_GenerateToken(t *testing.T) {
	tg := NewTokenGenerator(testKey)

	token, tokenHash, err := tg.GenerateToken()
	require.NoError(t, err)

	assert.Len(t, token, TokenLength)
	assert.NoError(t, tg.ValidateTokenFormat(token))
	// hex HMAC-SHA256
	assert.Len(t, tokenHash, 64)
	assert.Equal(t, tokenHash, tg.HashToken(token))
	assert.True(t, tg.Equal(token, tokenHash))
	assert.False(t, tg.Equal(token+"x", tokenHash))
}

func TestTokenGenerator_Uniqueness(t *testing.T) {
	tg := NewTokenGenerator(testKey)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		token, _, err := tg.GenerateToken()
		require.NoError(t, err)
		assert.False(t, seen[token], "duplicate token %s", token)
		seen[token] = true
	}
}

func TestTokenGenerator_HashDependsOnKey(t *testing.T) {
	a := NewTokenGenerator(testKey)
	b := NewTokenGenerator(strings.Repeat("z", 32))
	assert.NotEqual(t, a.HashToken("abc"), b.HashToken("abc"))
}

func TestTokenGenerator_ValidateTokenFormat(t *testing.T) {
	tg := NewTokenGenerator(testKey)
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", "AbCdEfGhIjKlMnOpQr12", false},
		{"short", "abc", true},
		{"long", strings.Repeat("a", 21), true},
		{"symbol", "AbCdEfGhIjKlMnOpQr1-", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tg.ValidateTokenFormat(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	assert.NoError(t, CheckPassword(hash, "secret"))
	assert.ErrorIs(t, CheckPassword(hash, "wrong"), ErrPasswordMismatch)
	assert.ErrorIs(t, CheckPassword("", ""), ErrPasswordMismatch)

	password, otpHash, err := GeneratePassword(12)
	require.NoError(t, err)
	assert.Len(t, password, 12)
	assert.NoError(t, CheckPassword(otpHash, password))
}

func TestActivationIssuer(t *testing.T) {
	issuer := NewActivationIssuer(testKey, time.Hour)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return fixed }

	act, err := issuer.Issue(42)
	require.NoError(t, err)
	assert.Equal(t, fixed.Add(time.Hour), act.ExpiresAt)

	userID, code, err := issuer.Verify(act.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
	assert.True(t, issuer.Matches(code, act.CodeHash))
	assert.False(t, issuer.Matches(code, ""))

	t.Run("tampered token", func(t *testing.T) {
		_, _, err := issuer.Verify(act.Token + "x")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("other key", func(t *testing.T) {
		other := NewActivationIssuer(strings.Repeat("k", 32), time.Hour)
		_, _, err := other.Verify(act.Token)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, ActivationClaims{Code: "x"})
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, _, err = issuer.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}
