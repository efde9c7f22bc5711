package external_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/storage/storagetest"
)

type fixture struct {
	db      *sql.DB
	modules []int64
	users   []int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: storagetest.NewDB(t)}
	for i, class := range []string{"authorizations.google", "authorizations.mailru"} {
		var id int64
		err := f.db.QueryRow(`INSERT INTO core_module (uuid, alias, name, app_class, user_settings)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i), class, class, class, "{}").Scan(&id)
		require.NoError(t, err)
		f.modules = append(f.modules, id)
	}
	for i := 0; i < 3; i++ {
		var id int64
		err := f.db.QueryRow(`INSERT INTO core_user (login) VALUES ($1) RETURNING id`, fmt.Sprintf("user%d", i)).Scan(&id)
		require.NoError(t, err)
		f.users = append(f.users, id)
	}
	return f
}

func (f *fixture) authentication(t *testing.T, user int64) int64 {
	t.Helper()
	var id int64
	now := time.Now().UTC()
	err := f.db.QueryRow(`INSERT INTO core_authentication (token_hash, user_id, module_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		fmt.Sprintf("hash-%d-%d", user, now.UnixNano()), user, f.modules[0], now.Add(time.Hour), now).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	accounts := external.NewAccounts(f.db)
	google, mailru := f.modules[0], f.modules[1]

	acc, err := accounts.Bind(ctx, google, f.users[0], "ivanov@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, f.users[0], acc.UserID())

	found, err := accounts.Find(ctx, google, "ivanov@gmail.com")
	require.NoError(t, err)
	assert.Equal(t, acc.ID(), found.ID())

	_, err = accounts.Find(ctx, mailru, "ivanov@gmail.com")
	assert.True(t, errdefs.IsNotFound(err), "bindings are per provider")

	t.Run("same identity at another provider", func(t *testing.T) {
		_, err := accounts.Bind(ctx, mailru, f.users[1], "ivanov@gmail.com")
		require.NoError(t, err)
	})

	t.Run("identity of another user", func(t *testing.T) {
		_, err := accounts.Bind(ctx, google, f.users[1], "ivanov@gmail.com")
		assert.True(t, errdefs.IsDuplicated(err))
	})

	t.Run("rebind replaces", func(t *testing.T) {
		_, err := accounts.Bind(ctx, google, f.users[0], "ivan.ivanov@gmail.com")
		require.NoError(t, err)

		_, err = accounts.Find(ctx, google, "ivanov@gmail.com")
		assert.True(t, errdefs.IsNotFound(err))
		all, err := accounts.ForModule(ctx, google)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "ivan.ivanov@gmail.com", all[0].ExternalID())
	})

	t.Run("unbind", func(t *testing.T) {
		require.NoError(t, accounts.Unbind(ctx, google, f.users[0]))
		_, err := accounts.ForUser(ctx, google, f.users[0])
		assert.True(t, errdefs.IsNotFound(err))
		assert.True(t, errdefs.IsNotFound(accounts.Unbind(ctx, google, f.users[0])))
	})

	t.Run("user deletion cascades", func(t *testing.T) {
		_, err := accounts.Bind(ctx, google, f.users[2], "petrov@gmail.com")
		require.NoError(t, err)
		_, err = f.db.Exec(`DELETE FROM core_user WHERE id = $1`, f.users[2])
		require.NoError(t, err)
		_, err = accounts.Find(ctx, google, "petrov@gmail.com")
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func tokenServer(t *testing.T, expiresIn int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		if r.PostForm.Get("refresh_token") != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "a2",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tokens := external.NewTokens(f.db)

	auth := f.authentication(t, f.users[0])
	_, err := tokens.Get(ctx, auth)
	assert.True(t, errdefs.IsNotFound(err))

	expiry := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	_, err = tokens.Save(ctx, auth, &oauth2.Token{AccessToken: "a1", RefreshToken: "r1", TokenType: "Bearer", Expiry: expiry})
	require.NoError(t, err)

	stored, err := tokens.Get(ctx, auth)
	require.NoError(t, err)
	tok := stored.OAuth2()
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	t.Run("save upserts", func(t *testing.T) {
		_, err := tokens.Save(ctx, auth, &oauth2.Token{AccessToken: "a1b", TokenType: "Bearer", Expiry: expiry})
		require.NoError(t, err)
		var n int
		require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM core_external_token`).Scan(&n))
		assert.Equal(t, 1, n)
		got, err := tokens.Get(ctx, auth)
		require.NoError(t, err)
		assert.Equal(t, "a1b", got.OAuth2().AccessToken)
		assert.Equal(t, "r1", got.OAuth2().RefreshToken, "missing refresh token keeps the stored one")
	})

	t.Run("refresh", func(t *testing.T) {
		srv, calls := tokenServer(t, 3600)
		cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}

		got, err := tokens.Refresh(ctx, auth, cfg)
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))
		assert.Equal(t, "a2", got.OAuth2().AccessToken)
		assert.True(t, got.OAuth2().Expiry.After(expiry))
	})

	t.Run("refresh never shortens the expiry", func(t *testing.T) {
		late := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
		_, err := tokens.Save(ctx, auth, &oauth2.Token{AccessToken: "a3", RefreshToken: "r1", Expiry: late})
		require.NoError(t, err)

		srv, _ := tokenServer(t, 60)
		cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}}
		got, err := tokens.Refresh(ctx, auth, cfg)
		require.NoError(t, err)
		assert.True(t, late.Equal(got.OAuth2().Expiry))
	})

	t.Run("rejected refresh", func(t *testing.T) {
		_, err := tokens.Save(ctx, auth, &oauth2.Token{AccessToken: "a4", RefreshToken: "stale"})
		require.NoError(t, err)
		srv, _ := tokenServer(t, 60)
		_, err = tokens.Refresh(ctx, auth, &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: srv.URL}})
		assert.Equal(t, errdefs.CodeServiceUnavailable, errdefs.Code(err))
	})

	t.Run("no refresh token", func(t *testing.T) {
		other := f.authentication(t, f.users[1])
		_, err := tokens.Save(ctx, other, &oauth2.Token{AccessToken: "x"})
		require.NoError(t, err)
		_, err = tokens.Refresh(ctx, other, &oauth2.Config{})
		assert.True(t, errdefs.IsNotPermitted(err))
	})

	t.Run("dies with the authentication", func(t *testing.T) {
		_, err := f.db.Exec(`DELETE FROM core_authentication WHERE id = $1`, auth)
		require.NoError(t, err)
		_, err = tokens.Get(ctx, auth)
		assert.True(t, errdefs.IsNotFound(err))
	})
}
