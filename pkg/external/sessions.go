package external

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/corefacility/corefacility/pkg/auth"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// SessionStore keeps the short-lived state of an external login between the
// redirect to the provider and the callback. Restore consumes a session:
// the second restore of the same key fails.
type SessionStore interface {
	Initialize(ctx context.Context, moduleID int64, ttl time.Duration) (string, error)
	Restore(ctx context.Context, moduleID int64, key string) error
}

type sessionClaims struct {
	Module int64  `json:"mod"`
	Nonce  string `json:"nonce"`
	jwt.RegisteredClaims
}

func errSessionNotFound() error {
	return errdefs.NotFound("external session not found or expired")
}

// keyCodec turns a session nonce into an opaque signed key. Expiry is held
// by the store so the key carries no exp claim.
type keyCodec struct {
	signer *auth.Signer
}

func (c keyCodec) issue(moduleID int64) (key, nonce string, err error) {
	nonce = uuid.NewString()
	key, err = c.signer.Sign(&sessionClaims{Module: moduleID, Nonce: nonce})
	if err != nil {
		return "", "", err
	}
	return key, nonce, nil
}

func (c keyCodec) open(moduleID int64, key string) (string, error) {
	var claims sessionClaims
	if err := c.signer.Parse(key, &claims); err != nil {
		return "", errSessionNotFound()
	}
	if claims.Module != moduleID || claims.Nonce == "" {
		return "", errSessionNotFound()
	}
	return claims.Nonce, nil
}

// SQLSessions keeps sessions in core_external_session
type SQLSessions struct {
	db    *sql.DB
	codec keyCodec
	now   func() time.Time
}

// NewSQLSessions creates a database session store
func NewSQLSessions(db *sql.DB, signingKey string) *SQLSessions {
	return &SQLSessions{db: db, codec: keyCodec{auth.NewSigner(signingKey)}, now: time.Now}
}

// WithClock replaces the clock used for expiry
func (s *SQLSessions) WithClock(now func() time.Time) *SQLSessions {
	s.now = now
	return s
}

func (s *SQLSessions) Initialize(ctx context.Context, moduleID int64, ttl time.Duration) (string, error) {
	key, nonce, err := s.codec.issue(moduleID)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	_, err = storage.Querier(ctx, s.db).ExecContext(ctx,
		`INSERT INTO core_external_session (module_id, nonce, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		moduleID, nonce, now, now.Add(ttl))
	if err != nil {
		return "", storage.MapError(err, "external session")
	}
	return key, nil
}

func (s *SQLSessions) Restore(ctx context.Context, moduleID int64, key string) error {
	nonce, err := s.codec.open(moduleID, key)
	if err != nil {
		return err
	}
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_external_session WHERE nonce = $1 AND module_id = $2 AND expires_at > $3`,
		nonce, moduleID, s.now().UTC())
	if err != nil {
		return storage.MapError(err, "external session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to consume external session: %w", err)
	}
	if n == 0 {
		return errSessionNotFound()
	}
	return nil
}

// PurgeExpired removes sessions that were never restored
func (s *SQLSessions) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := storage.Querier(ctx, s.db).ExecContext(ctx,
		`DELETE FROM core_external_session WHERE expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, storage.MapError(err, "external session")
	}
	return res.RowsAffected()
}

const sessionKeyPrefix = "corefacility:external_session:"

// RedisSessions keeps sessions as expiring redis keys
type RedisSessions struct {
	client *redis.Client
	codec  keyCodec
}

// NewRedisSessions creates a redis session store
func NewRedisSessions(client *redis.Client, signingKey string) *RedisSessions {
	return &RedisSessions{client: client, codec: keyCodec{auth.NewSigner(signingKey)}}
}

func (s *RedisSessions) Initialize(ctx context.Context, moduleID int64, ttl time.Duration) (string, error) {
	key, nonce, err := s.codec.issue(moduleID)
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+nonce, moduleID, ttl).Err(); err != nil {
		return "", errdefs.Wrap(errdefs.Unavailable("session store unavailable"), err)
	}
	return key, nil
}

func (s *RedisSessions) Restore(ctx context.Context, moduleID int64, key string) error {
	nonce, err := s.codec.open(moduleID, key)
	if err != nil {
		return err
	}
	val, err := s.client.GetDel(ctx, sessionKeyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return errSessionNotFound()
	}
	if err != nil {
		return errdefs.Wrap(errdefs.Unavailable("session store unavailable"), err)
	}
	if val != strconv.FormatInt(moduleID, 10) {
		return errSessionNotFound()
	}
	return nil
}
