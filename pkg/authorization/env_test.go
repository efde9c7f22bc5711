package authorization_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/access/accesstest"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/modules"
)

const (
	signingKey = "0123456789abcdef0123456789abcdef"
	baseURL    = "https://corefacility.example.com"
)

var (
	virtualServer = config.Profile{Name: config.VirtualServer, EmailSupport: true}
	partServer    = config.Profile{
		Name: config.PartServer, POSIXHost: true,
		HomeDir: "/home", ProjectBaseDir: "/srv/projects",
	}
)

type mail struct {
	to, subject, body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail
}

func (m *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail{to: to, subject: subject, body: body})
	return nil
}

func (m *recordingMailer) messages() []mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail(nil), m.sent...)
}

type env struct {
	f              *accesstest.Fixture
	registry       *modules.Registry
	tokens         *authorization.TokenStore
	accounts       *external.Accounts
	externalTokens *external.Tokens
	pipeline       *authorization.Pipeline
	mailer         *recordingMailer
	security       config.SecurityConfig
}

// newEnv installs every authorization module over a fixture of three users
// with the default modules of the profile enabled
func newEnv(t *testing.T, profile config.Profile, tune ...func(*config.SecurityConfig)) *env {
	t.Helper()
	security := config.SecurityConfig{
		SigningKey:     signingKey,
		TokenTTL:       time.Hour,
		CookieName:     "corefacility_token",
		ActivationTTL:  time.Hour,
		SessionTTL:     time.Minute,
		PasswordLength: 12,
	}
	for _, fn := range tune {
		fn(&security)
	}

	f := accesstest.NewBuilder().Profile(profile, nil).Users(3).Build(t)
	e := &env{
		f:              f,
		registry:       modules.NewRegistry(f.DB, profile, time.Minute),
		tokens:         authorization.NewTokenStore(f.DB, f.Service, signingKey, security.TokenTTL),
		accounts:       external.NewAccounts(f.DB),
		externalTokens: external.NewTokens(f.DB),
		mailer:         &recordingMailer{},
		security:       security,
	}
	apps := authorization.Apps(authorization.Deps{
		Access:   f.Service,
		Tokens:   e.tokens,
		Registry: e.registry,
		Security: security,
		BaseURL:  baseURL,
		Mailer:   e.mailer,
	})
	require.NoError(t, e.registry.Register(append([]modules.App{modules.Core()}, apps...)...))
	require.NoError(t, e.registry.Install(context.Background()))

	e.pipeline = authorization.NewPipeline(authorization.PipelineConfig{
		Registry:       e.registry,
		Tokens:         e.tokens,
		Accounts:       e.accounts,
		ExternalTokens: e.externalTokens,
		Sessions:       external.NewSQLSessions(f.DB, signingKey),
		Security:       security,
	})
	return e
}

func (e *env) module(t *testing.T, class string) *modules.Module {
	t.Helper()
	m, err := e.registry.ModuleByClass(context.Background(), class)
	require.NoError(t, err)
	return m
}

func (e *env) enable(t *testing.T, class string) {
	t.Helper()
	require.NoError(t, e.registry.Enable(context.Background(), e.module(t, class).UUID()))
}

func (e *env) disable(t *testing.T, class string) {
	t.Helper()
	require.NoError(t, e.registry.Disable(context.Background(), e.module(t, class).UUID()))
}

func (e *env) configure(t *testing.T, class, settings string) *modules.Module {
	t.Helper()
	m, err := e.registry.UpdateSettings(context.Background(), e.module(t, class).UUID(), []byte(settings))
	require.NoError(t, err)
	return m
}

func (e *env) user(t *testing.T, i int) *access.User {
	t.Helper()
	u, err := e.f.Service.Users().Get(context.Background(), e.f.Users[i].ID())
	require.NoError(t, err)
	return u
}

func (e *env) setPassword(t *testing.T, i int, password string) {
	t.Helper()
	u := e.user(t, i)
	require.NoError(t, u.SetPassword(password))
	require.NoError(t, e.f.Service.SaveUser(context.Background(), u))
}

func (e *env) update(t *testing.T, i int, field string, value interface{}) {
	t.Helper()
	u := e.user(t, i)
	require.NoError(t, u.Set(field, value))
	require.NoError(t, e.f.Service.SaveUser(context.Background(), u))
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/account-settings/", nil)
	if token != "" {
		r.Header.Set("Authorization", authorization.TokenPrefix+token)
	}
	return r
}
