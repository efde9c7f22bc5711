package external

import (
	"context"
	"database/sql"

	"golang.org/x/oauth2"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// TokenSchema describes core_external_token rows. A token belongs to the
// authentication issued at the same login and dies with it.
var TokenSchema = entity.NewSchema("external token", "core_external_token",
	entity.Field{Name: "authentication", Kind: entity.KindRef, Column: "authentication_id", Required: true, ReadOnly: true},
	entity.Field{Name: "access_token", Kind: entity.KindString, Required: true},
	entity.Field{Name: "refresh_token", Kind: entity.KindString},
	entity.Field{Name: "token_type", Kind: entity.KindString},
	entity.Field{Name: "expires_at", Kind: entity.KindTime},
)

// Token is the provider token kept for an authentication
type Token struct {
	*entity.Entity
}

// OAuth2 returns the token in the oauth2 form
func (t *Token) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.String("access_token"),
		RefreshToken: t.String("refresh_token"),
		TokenType:    t.String("token_type"),
	}
	if exp, ok := t.Time("expires_at"); ok {
		tok.Expiry = exp
	}
	return tok
}

// Tokens stores provider tokens
type Tokens struct {
	db *sql.DB
}

// NewTokens creates a token store
func NewTokens(db *sql.DB) *Tokens {
	return &Tokens{db: db}
}

// Get returns the token of an authentication
func (s *Tokens) Get(ctx context.Context, authenticationID int64) (*Token, error) {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    TokenSchema,
		Alias:     "et",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Filters:   map[string]entity.Filter{"authentication": entity.Equals("et.authentication_id")},
	})
	if err := set.Filter("authentication", authenticationID); err != nil {
		return nil, err
	}
	e, err := set.Index(ctx, 0)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errdefs.NotFound("no external token for authentication %d", authenticationID)
		}
		return nil, err
	}
	return &Token{e}, nil
}

func assignToken(t *Token, tok *oauth2.Token) error {
	values := map[string]interface{}{
		"access_token": tok.AccessToken,
		"token_type":   tok.TokenType,
		"expires_at":   nil,
	}
	if tok.RefreshToken != "" {
		values["refresh_token"] = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		values["expires_at"] = tok.Expiry.UTC()
	}
	for name, v := range values {
		if err := t.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Save stores tok for an authentication, replacing the previous one
func (s *Tokens) Save(ctx context.Context, authenticationID int64, tok *oauth2.Token) (*Token, error) {
	var t *Token
	err := storage.InTx(ctx, s.db, func(ctx context.Context) error {
		existing, err := s.Get(ctx, authenticationID)
		switch {
		case err == nil:
			t = existing
			if err := assignToken(t, tok); err != nil {
				return err
			}
			return t.Update(ctx)
		case errdefs.IsNotFound(err):
			t = &Token{entity.New(TokenSchema, entity.NewSQLProvider(s.db))}
			if err := t.SetInternal("authentication", authenticationID); err != nil {
				return err
			}
			if err := assignToken(t, tok); err != nil {
				return err
			}
			return t.Create(ctx)
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Refresh exchanges the stored refresh token for a new access token. The
// stored expiry never moves backwards.
func (s *Tokens) Refresh(ctx context.Context, authenticationID int64, cfg *oauth2.Config) (*Token, error) {
	t, err := s.Get(ctx, authenticationID)
	if err != nil {
		return nil, err
	}
	old := t.OAuth2()
	if old.RefreshToken == "" {
		return nil, errdefs.NotPermitted("the provider issued no refresh token")
	}
	fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: old.RefreshToken}).Token()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Unavailable("failed to refresh the external token"), err)
	}
	if fresh.Expiry.Before(old.Expiry) {
		fresh.Expiry = old.Expiry
	}
	if err := assignToken(t, fresh); err != nil {
		return nil, err
	}
	if err := t.Update(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
