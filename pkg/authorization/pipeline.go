package authorization

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// TokenPrefix starts the value of the Authorization header
const TokenPrefix = "Token "

// LoginResult is a successful login
type LoginResult struct {
	Token          string
	User           *access.User
	Authentication *Authentication
	Module         *modules.Module
	// Password is the one-time password set by an activation
	Password string
	// CookieLess results must not be remembered in the cookie
	CookieLess bool
}

// Pipeline walks the enabled authorization modules
type Pipeline struct {
	registry       *modules.Registry
	tokens         *TokenStore
	accounts       *external.Accounts
	externalTokens *external.Tokens
	sessions       external.SessionStore
	security       config.SecurityConfig
	metrics        *observability.Metrics
}

// PipelineConfig are the collaborators of a pipeline
type PipelineConfig struct {
	Registry       *modules.Registry
	Tokens         *TokenStore
	Accounts       *external.Accounts
	ExternalTokens *external.Tokens
	Sessions       external.SessionStore
	Security       config.SecurityConfig
}

// NewPipeline creates a pipeline
func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		registry:       cfg.Registry,
		tokens:         cfg.Tokens,
		accounts:       cfg.Accounts,
		externalTokens: cfg.ExternalTokens,
		sessions:       cfg.Sessions,
		security:       cfg.Security,
	}
}

// SetMetrics enables authorization metrics
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// Tokens returns the token store
func (p *Pipeline) Tokens() *TokenStore { return p.tokens }

func (p *Pipeline) count(m *modules.Module, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.AuthAttemptsTotal.WithLabelValues(m.Alias(), outcome).Inc()
}

// hardFailure logs the error of a module and returns the uniform 401
func (p *Pipeline) hardFailure(ctx context.Context, m *modules.Module, err error) error {
	p.count(m, "error")
	observability.FromContext(ctx).
		WithField("module", m.Alias()).
		WithError(err).
		Warn("Authorization module failed")
	return errdefs.Wrap(errdefs.AuthenticationFailed(), err)
}

func (p *Pipeline) enabled(ctx context.Context) ([]*modules.Module, error) {
	return p.registry.Enabled(ctx, modules.Authorizations)
}

// exclusiveTokens is implemented by modules that keep at most one live
// token per user
type exclusiveTokens interface {
	ExclusiveTokens() bool
}

func (p *Pipeline) issue(ctx context.Context, u *access.User, m *modules.Module) (*LoginResult, error) {
	issue := p.tokens.Issue
	if e, ok := m.App().(exclusiveTokens); ok && e.ExclusiveTokens() {
		issue = p.tokens.IssueExclusive
	}
	token, a, err := issue(ctx, u, m.ID())
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.TokensIssuedTotal.WithLabelValues(m.Alias()).Inc()
	}
	_, cookieLess := m.App().(interface{ CookieLess() bool })
	return &LoginResult{Token: token, User: u, Authentication: a, Module: m, CookieLess: cookieLess}, nil
}

// Login tries the credentials against every module that checks passwords
// and issues a token from the first that accepts them
func (p *Pipeline) Login(ctx context.Context, c Credentials) (*LoginResult, error) {
	mods, err := p.enabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mods {
		authorizer, ok := m.App().(CredentialAuthorizer)
		if !ok {
			continue
		}
		u, err := authorizer.TryLogin(ctx, m, c)
		if err != nil {
			return nil, p.hardFailure(ctx, m, err)
		}
		if u == nil {
			p.count(m, "refused")
			continue
		}
		p.count(m, "success")
		return p.issue(ctx, u, m)
	}
	return nil, errdefs.AuthenticationFailed()
}

// tokenFromHeader splits the token off an Authorization header. ok is
// false when no header was sent.
func tokenFromHeader(r *http.Request) (token string, ok bool, err error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(header, TokenPrefix) {
		return "", true, errdefs.AuthenticationFailed()
	}
	return strings.TrimSpace(strings.TrimPrefix(header, TokenPrefix)), true, nil
}

// AuthenticateRequest resolves the user of an API request. A presented
// token must be valid; without one the modules are asked in order and a
// nil user means an anonymous request.
func (p *Pipeline) AuthenticateRequest(r *http.Request) (*access.User, *Authentication, error) {
	ctx := r.Context()
	token, present, err := tokenFromHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if present {
		return p.tokens.Authenticate(ctx, token)
	}
	u, err := p.walk(ctx, func(m *modules.Module) (*access.User, bool, error) {
		a, ok := m.App().(APIAuthorizer)
		if !ok {
			return nil, false, nil
		}
		u, err := a.TryAPI(ctx, m, r)
		return u, true, err
	})
	return u, nil, err
}

// AuthenticatePage resolves the user of a front-end page load
func (p *Pipeline) AuthenticatePage(r *http.Request) (*access.User, error) {
	ctx := r.Context()
	return p.walk(ctx, func(m *modules.Module) (*access.User, bool, error) {
		a, ok := m.App().(UIAuthorizer)
		if !ok {
			return nil, false, nil
		}
		u, err := a.TryUI(ctx, m, r)
		return u, true, err
	})
}

func (p *Pipeline) walk(ctx context.Context, try func(m *modules.Module) (*access.User, bool, error)) (*access.User, error) {
	mods, err := p.enabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mods {
		u, tried, err := try(m)
		if err != nil {
			return nil, p.hardFailure(ctx, m, err)
		}
		if u != nil {
			p.count(m, "success")
			return u, nil
		}
		if tried {
			p.count(m, "refused")
		}
	}
	return nil, nil
}

// external returns an enabled module delegating to an outside provider
func (p *Pipeline) external(ctx context.Context, alias string) (*modules.Module, ExternalAuthorizer, error) {
	mods, err := p.enabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range mods {
		if m.Alias() != alias {
			continue
		}
		if a, ok := m.App().(ExternalAuthorizer); ok {
			return m, a, nil
		}
	}
	return nil, nil, errdefs.NotFound("authorization module %s not found", alias)
}

// BeginExternal opens an external session and returns the provider
// address the browser is redirected to
func (p *Pipeline) BeginExternal(ctx context.Context, alias string) (string, error) {
	m, a, err := p.external(ctx, alias)
	if err != nil {
		return "", err
	}
	key, err := p.sessions.Initialize(ctx, m.ID(), p.security.SessionTTL)
	if err != nil {
		return "", err
	}
	authURL, err := a.AuthURL(ctx, m, key)
	if err != nil {
		return "", errdefs.Wrap(errdefs.Unavailable("authorization module %s is not configured", alias), err)
	}
	return authURL, nil
}

// FinishExternal handles the provider callback. The session key comes back
// as state (OAuth) or RelayState (SAML); the provider identity must be
// bound to an unlocked user. Every failure is the uniform 401.
func (p *Pipeline) FinishExternal(ctx context.Context, alias string, r *http.Request) (*LoginResult, error) {
	m, a, err := p.external(ctx, alias)
	if err != nil {
		return nil, err
	}
	state := r.FormValue("state")
	if state == "" {
		state = r.FormValue("RelayState")
	}
	if err := p.sessions.Restore(ctx, m.ID(), state); err != nil {
		return nil, p.hardFailure(ctx, m, err)
	}
	identity, err := a.Exchange(ctx, m, r)
	if err != nil {
		return nil, p.hardFailure(ctx, m, err)
	}
	acc, err := p.accounts.Find(ctx, m.ID(), identity.ExternalID)
	if err != nil {
		return nil, p.hardFailure(ctx, m, err)
	}
	u, err := p.tokens.users.Users().Get(ctx, acc.UserID())
	if err != nil {
		return nil, p.hardFailure(ctx, m, err)
	}
	if u.IsLocked() {
		p.count(m, "refused")
		return nil, errdefs.AuthenticationFailed()
	}
	p.count(m, "success")
	res, err := p.issue(ctx, u, m)
	if err != nil {
		return nil, err
	}
	if identity.Token != nil && identity.Token.AccessToken != "" {
		if _, err := p.externalTokens.Save(ctx, res.Authentication.ID(), identity.Token); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (p *Pipeline) recovery(ctx context.Context) (*modules.Module, *recoveryApp, error) {
	mods, err := p.enabled(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range mods {
		if a, ok := m.App().(*recoveryApp); ok {
			return m, a, nil
		}
	}
	return nil, nil, errdefs.NotPermitted("password recovery is disabled")
}

// RequestRecovery mails an activation code to the owner of email
func (p *Pipeline) RequestRecovery(ctx context.Context, email string) error {
	m, a, err := p.recovery(ctx)
	if err != nil {
		return err
	}
	return a.Recover(ctx, m, email)
}

// Activate consumes an activation code, sets a one-time password and
// signs its owner in without the cookie
func (p *Pipeline) Activate(ctx context.Context, code string) (*LoginResult, error) {
	m, a, err := p.recovery(ctx)
	if err != nil {
		return nil, err
	}
	u, password, err := a.Activate(ctx, code)
	if err != nil {
		p.count(m, "refused")
		return nil, err
	}
	p.count(m, "success")
	res, err := p.issue(ctx, u, m)
	if err != nil {
		return nil, err
	}
	res.Password = password
	return res, nil
}

// Logout revokes the token presented with the request
func (p *Pipeline) Logout(r *http.Request) error {
	token, present, err := tokenFromHeader(r)
	if err != nil {
		return err
	}
	if !present {
		c, cerr := r.Cookie(p.security.CookieName)
		if cerr != nil || c.Value == "" {
			return errdefs.AuthenticationFailed()
		}
		token = c.Value
	}
	return p.tokens.Revoke(r.Context(), token)
}

func (p *Pipeline) cookieEnabled(ctx context.Context) bool {
	mods, err := p.enabled(ctx)
	if err != nil {
		return false
	}
	for _, m := range mods {
		if m.Class() == CookieClass {
			return true
		}
	}
	return false
}

// SetCookie remembers the token of a login in the browser when the cookie
// module is enabled
func (p *Pipeline) SetCookie(w http.ResponseWriter, r *http.Request, res *LoginResult) {
	if res.CookieLess || contextkeys.IsCookieLess(r.Context()) || !p.cookieEnabled(r.Context()) {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     p.security.CookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.Authentication.ExpiresAt(),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie removes the token cookie
func (p *Pipeline) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     p.security.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
}
