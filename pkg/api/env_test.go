package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/access/accesstest"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/health"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/logs"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage/storagetest"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

const signingKey = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	f        *accesstest.Fixture
	registry *modules.Registry
	tokens   *authorization.TokenStore
	accounts *external.Accounts
	logs     *logs.Service
	health   *health.Store
	srv      *Server
	admin    *access.User
}

// newTestEnv serves the standard fixture: project "proj" is rooted at g4
// (user0, user10), g2 (every 4th user) may view it and use the imaging
// application and g0 (everybody) has no access. user19 is a superuser.
func newTestEnv(t *testing.T, tune ...func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	f := accesstest.Standard().
		Project("proj", 4).
		Grant("proj", 2, access.DataView).
		Grant("proj", 0, access.NoAccess).
		Migrations(imaging.Migrations()).
		Build(t)

	security := config.SecurityConfig{
		SigningKey:     signingKey,
		TokenTTL:       time.Hour,
		CookieName:     "corefacility_token",
		ActivationTTL:  time.Hour,
		SessionTTL:     time.Minute,
		PasswordLength: 12,
	}
	e := &testEnv{
		f:        f,
		registry: modules.NewRegistry(f.DB, f.Service.Profile(), time.Minute),
		tokens:   authorization.NewTokenStore(f.DB, f.Service, signingKey, security.TokenTTL),
		accounts: external.NewAccounts(f.DB),
		logs:     logs.NewService(f.DB),
		health:   health.NewStore(f.DB),
	}
	apps := []modules.App{modules.Core()}
	apps = append(apps, authorization.Apps(authorization.Deps{
		Access:   f.Service,
		Tokens:   e.tokens,
		Registry: e.registry,
		Security: security,
		BaseURL:  "https://corefacility.example.com",
	})...)
	apps = append(apps, imaging.Apps()...)
	apps = append(apps, synchronization.Apps(f.Service, nil)...)
	require.NoError(t, e.registry.Register(apps...))
	require.NoError(t, e.registry.Install(ctx))
	imagingApp, err := e.registry.ModuleByClass(ctx, imaging.ImagingClass)
	require.NoError(t, err)
	require.NoError(t, f.Projects["proj"].AppPermissions(imagingApp.ID()).Set(ctx, f.Groups[2].ID(), access.AppUsage))

	admin := f.Users[19]
	require.NoError(t, admin.Set("is_superuser", true))
	require.NoError(t, f.Service.SaveUser(ctx, admin))
	e.admin = admin

	deps := Deps{
		DB:       f.DB,
		Access:   f.Service,
		Registry: e.registry,
		Pipeline: authorization.NewPipeline(authorization.PipelineConfig{
			Registry:       e.registry,
			Tokens:         e.tokens,
			Accounts:       e.accounts,
			ExternalTokens: external.NewTokens(f.DB),
			Sessions:       external.NewSQLSessions(f.DB, signingKey),
			Security:       security,
		}),
		Accounts: e.accounts,
		Logs:     e.logs,
		Health:   e.health,
		Imaging:  imaging.NewService(f.DB, storagetest.NewBlobStore(t), f.Service, e.registry),
		Sync:     synchronization.NewDriver(e.registry),
		Logger:   observability.NewLogger(observability.ErrorLevel, io.Discard),
	}
	for _, fn := range tune {
		fn(&deps)
	}
	e.srv = NewServer(deps)
	return e
}

func (e *testEnv) module(t *testing.T, class string) *modules.Module {
	t.Helper()
	m, err := e.registry.ModuleByClass(context.Background(), class)
	require.NoError(t, err)
	return m
}

// token signs in u through the standard authorization module
func (e *testEnv) token(t *testing.T, u *access.User) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(context.Background(), u, e.module(t, authorization.StandardClass).ID())
	require.NoError(t, err)
	return tok
}

func (e *testEnv) userToken(t *testing.T, i int) string {
	t.Helper()
	return e.token(t, e.f.Users[i])
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	return e.token(t, e.admin)
}

// do sends body as JSON unless it is already a reader
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, Prefix+path, reader)
	if _, ok := body.(io.Reader); !ok && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", authorization.TokenPrefix+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func newRawRequest(method, path, contentType, body string) *http.Request {
	req := httptest.NewRequest(method, Prefix+path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	return req
}

// send is do with a prepared request
func (e *testEnv) send(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set("Authorization", authorization.TokenPrefix+token)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type listPage[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

type apiError struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// requireError checks the status and code of an error envelope
func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[apiError](t, rec)
	require.Equal(t, code, body.Code)
	require.NotEmpty(t, body.Detail)
}
