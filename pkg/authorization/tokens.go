package authorization

import (
	"context"
	"database/sql"
	"time"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/auth"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// AuthenticationSchema describes core_authentication rows. Only the hash of
// a token is stored.
var AuthenticationSchema = entity.NewSchema("authentication", "core_authentication",
	entity.Field{Name: "token_hash", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "user", Kind: entity.KindRef, Column: "user_id", Required: true, ReadOnly: true},
	entity.Field{Name: "module", Kind: entity.KindRef, Column: "module_id", ReadOnly: true},
	entity.Field{Name: "expires_at", Kind: entity.KindTime, Required: true},
	entity.Field{Name: "created_at", Kind: entity.KindTime, Required: true, ReadOnly: true},
)

// Authentication is an issued bearer token
type Authentication struct {
	*entity.Entity
}

func (a *Authentication) UserID() int64 { return a.Int("user") }

// ModuleID is the authorization module that issued the token, 0 when unknown
func (a *Authentication) ModuleID() int64 { return a.Int("module") }

func (a *Authentication) ExpiresAt() time.Time {
	t, _ := a.Time("expires_at")
	return t
}

// TokenStore issues and validates bearer tokens
type TokenStore struct {
	db     *sql.DB
	users  *access.Service
	tokens *auth.TokenGenerator
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenStore creates a store whose tokens live for ttl
func NewTokenStore(db *sql.DB, users *access.Service, signingKey string, ttl time.Duration) *TokenStore {
	return &TokenStore{
		db:     db,
		users:  users,
		tokens: auth.NewTokenGenerator(signingKey),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the clock used for expiry
func (s *TokenStore) WithClock(now func() time.Time) *TokenStore {
	s.now = now
	return s
}

func (s *TokenStore) set() *entity.Set {
	return entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    AuthenticationSchema,
		Alias:     "a",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Filters: map[string]entity.Filter{
			"token_hash": entity.Equals("a.token_hash"),
			"user":       entity.Equals("a.user_id"),
			"module":     entity.Equals("a.module_id"),
		},
		OrderBy: []string{"a.id"},
	})
}

// Issue creates a token for the user. moduleID 0 records no module. The
// plaintext token is returned once and never stored.
func (s *TokenStore) Issue(ctx context.Context, u *access.User, moduleID int64) (string, *Authentication, error) {
	token, hash, err := s.tokens.GenerateToken()
	if err != nil {
		return "", nil, err
	}
	a := &Authentication{entity.New(AuthenticationSchema, entity.NewSQLProvider(s.db))}
	now := s.now().UTC()
	values := map[string]interface{}{
		"token_hash": hash,
		"user":       u.ID(),
		"module":     nil,
		"expires_at": now.Add(s.ttl),
		"created_at": now,
	}
	if moduleID != 0 {
		values["module"] = moduleID
	}
	for name, v := range values {
		if err := a.SetInternal(name, v); err != nil {
			return "", nil, err
		}
	}
	if err := a.Create(ctx); err != nil {
		return "", nil, err
	}
	return token, a, nil
}

// IssueExclusive revokes the other tokens the user obtained through the
// module and issues a new one
func (s *TokenStore) IssueExclusive(ctx context.Context, u *access.User, moduleID int64) (string, *Authentication, error) {
	var token string
	var a *Authentication
	err := storage.InTx(ctx, s.db, func(ctx context.Context) error {
		q := `DELETE FROM core_authentication WHERE user_id = $1 AND module_id IS NULL`
		args := []interface{}{u.ID()}
		if moduleID != 0 {
			q = `DELETE FROM core_authentication WHERE user_id = $1 AND module_id = $2`
			args = append(args, moduleID)
		}
		if _, err := storage.Querier(ctx, s.db).ExecContext(ctx, q, args...); err != nil {
			return storage.MapError(err, "authentication")
		}
		var err error
		token, a, err = s.Issue(ctx, u, moduleID)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return token, a, nil
}

func (s *TokenStore) lookup(ctx context.Context, token string) (*Authentication, error) {
	if err := s.tokens.ValidateTokenFormat(token); err != nil {
		return nil, errdefs.AuthenticationFailed()
	}
	set := s.set()
	if err := set.Filter("token_hash", s.tokens.HashToken(token)); err != nil {
		return nil, err
	}
	e, err := set.Index(ctx, 0)
	if errdefs.IsNotFound(err) {
		return nil, errdefs.AuthenticationFailed()
	}
	if err != nil {
		return nil, err
	}
	return &Authentication{e}, nil
}

// Authenticate returns the owner of a token. Unknown, expired and
// malformed tokens as well as locked users all fail the same way; an
// expired token is removed on the way.
func (s *TokenStore) Authenticate(ctx context.Context, token string) (*access.User, *Authentication, error) {
	a, err := s.lookup(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if !s.now().Before(a.ExpiresAt()) {
		if err := a.Delete(ctx); err != nil {
			return nil, nil, err
		}
		return nil, nil, errdefs.AuthenticationFailed()
	}
	u, err := s.users.Users().Get(ctx, a.UserID())
	if errdefs.IsNotFound(err) {
		return nil, nil, errdefs.AuthenticationFailed()
	}
	if err != nil {
		return nil, nil, err
	}
	if u.IsLocked() {
		return nil, nil, errdefs.AuthenticationFailed()
	}
	return u, a, nil
}

// Revoke deletes the authentication of a token
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	a, err := s.lookup(ctx, token)
	if err != nil {
		return err
	}
	return a.Delete(ctx)
}

// RevokeUser deletes every token of a user and returns how many there were
func (s *TokenStore) RevokeUser(ctx context.Context, userID int64) (int64, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_authentication WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storage.MapError(err, "authentication")
	}
	return res.RowsAffected()
}

// PurgeExpired deletes expired tokens
func (s *TokenStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_authentication WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, storage.MapError(err, "authentication")
	}
	return res.RowsAffected()
}
