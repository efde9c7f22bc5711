package authorization

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/corefacility/corefacility/pkg/modules"
)

// OAuthSettings are the client credentials registered at a provider
type OAuthSettings struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURL      string   `json:"auth_url" validate:"required,url"`
	TokenURL     string   `json:"token_url" validate:"required,url"`
	Scopes       []string `json:"scopes"`
}

func (s OAuthSettings) config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: s.AuthURL, TokenURL: s.TokenURL},
		RedirectURL:  redirectURL,
		Scopes:       s.Scopes,
	}
}

func (s OAuthSettings) configured() error {
	if s.ClientID == "" || s.ClientSecret == "" {
		return fmt.Errorf("the client credentials are not configured")
	}
	return nil
}

// exchangeCode trades the authorization code of the callback for a token
func exchangeCode(ctx context.Context, cfg *oauth2.Config, r *http.Request) (*oauth2.Token, error) {
	if e := r.FormValue("error"); e != "" {
		return nil, fmt.Errorf("provider returned %s", e)
	}
	code := r.FormValue("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	return tok, nil
}

// GoogleSettings add the OpenID Connect issuer whose id tokens are trusted
type GoogleSettings struct {
	OAuthSettings
	Issuer  string `json:"issuer" validate:"required,url"`
	JWKSURL string `json:"jwks_url" validate:"required,url"`
}

type googleApp struct {
	modules.TypedSettings[GoogleSettings]
	baseURL string
	client  *http.Client

	mu   sync.Mutex
	keys map[string]*oidc.RemoteKeySet
}

func newGoogleApp(d Deps) *googleApp {
	return &googleApp{baseURL: d.BaseURL, client: d.HTTPClient, keys: map[string]*oidc.RemoteKeySet{}}
}

func (a *googleApp) Info() modules.Info {
	return modules.Info{
		Class:  GoogleClass,
		Alias:  "google",
		Name:   "Google",
		Parent: &modules.Authorizations,
		Settings: GoogleSettings{
			OAuthSettings: OAuthSettings{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
				Scopes:   []string{oidc.ScopeOpenID, "email", "profile"},
			},
			Issuer:  "https://accounts.google.com",
			JWKSURL: "https://www.googleapis.com/oauth2/v3/certs",
		},
	}
}

// keySet returns the cached key set of a JWKS endpoint
func (a *googleApp) keySet(jwksURL string) *oidc.RemoteKeySet {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.keys[jwksURL]
	if !ok {
		ctx := context.Background()
		if a.client != nil {
			ctx = oidc.ClientContext(ctx, a.client)
		}
		ks = oidc.NewRemoteKeySet(ctx, jwksURL)
		a.keys[jwksURL] = ks
	}
	return ks
}

func (a *googleApp) settings(m *modules.Module) (GoogleSettings, error) {
	s, err := modules.DecodeSettings[GoogleSettings](m)
	if err != nil {
		return s, err
	}
	return s, s.configured()
}

func (a *googleApp) AuthURL(_ context.Context, m *modules.Module, state string) (string, error) {
	s, err := a.settings(m)
	if err != nil {
		return "", err
	}
	return s.config(callbackURL(a.baseURL, m.Alias())).AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

func (a *googleApp) Exchange(ctx context.Context, m *modules.Module, r *http.Request) (*Identity, error) {
	s, err := a.settings(m)
	if err != nil {
		return nil, err
	}
	ctx = withHTTPClient(ctx, a.client)
	tok, err := exchangeCode(ctx, s.config(callbackURL(a.baseURL, m.Alias())), r)
	if err != nil {
		return nil, err
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response")
	}
	verifier := oidc.NewVerifier(s.Issuer, a.keySet(s.JWKSURL), &oidc.Config{ClientID: s.ClientID})
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	var claims googleClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("missing email in ID token")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, fmt.Errorf("email %s is not verified", claims.Email)
	}
	return &Identity{
		ExternalID: claims.Email,
		Email:      claims.Email,
		Name:       claims.GivenName,
		Surname:    claims.FamilyName,
		Token:      tok,
	}, nil
}

// MailruSettings add the endpoint returning the profile of the token owner
type MailruSettings struct {
	OAuthSettings
	UserInfoURL string `json:"userinfo_url" validate:"required,url"`
}

type mailruApp struct {
	modules.TypedSettings[MailruSettings]
	baseURL string
	client  *http.Client
}

func newMailruApp(d Deps) *mailruApp {
	return &mailruApp{baseURL: d.BaseURL, client: d.HTTPClient}
}

func (a *mailruApp) Info() modules.Info {
	return modules.Info{
		Class:  MailruClass,
		Alias:  "mailru",
		Name:   "Mail.ru",
		Parent: &modules.Authorizations,
		Settings: MailruSettings{
			OAuthSettings: OAuthSettings{
				AuthURL:  "https://oauth.mail.ru/login",
				TokenURL: "https://oauth.mail.ru/token",
				Scopes:   []string{"userinfo"},
			},
			UserInfoURL: "https://oauth.mail.ru/userinfo",
		},
	}
}

func (a *mailruApp) settings(m *modules.Module) (MailruSettings, error) {
	s, err := modules.DecodeSettings[MailruSettings](m)
	if err != nil {
		return s, err
	}
	return s, s.configured()
}

func (a *mailruApp) AuthURL(_ context.Context, m *modules.Module, state string) (string, error) {
	s, err := a.settings(m)
	if err != nil {
		return "", err
	}
	return s.config(callbackURL(a.baseURL, m.Alias())).AuthCodeURL(state), nil
}

type mailruProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (a *mailruApp) Exchange(ctx context.Context, m *modules.Module, r *http.Request) (*Identity, error) {
	s, err := a.settings(m)
	if err != nil {
		return nil, err
	}
	ctx = withHTTPClient(ctx, a.client)
	cfg := s.config(callbackURL(a.baseURL, m.Alias()))
	tok, err := exchangeCode(ctx, cfg, r)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(s.UserInfoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid userinfo url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", tok.AccessToken)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("user info request failed with status %d: %s", resp.StatusCode, string(body))
	}
	var profile mailruProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("missing email in user info")
	}
	return &Identity{
		ExternalID: profile.Email,
		Email:      profile.Email,
		Name:       profile.FirstName,
		Surname:    profile.LastName,
		Token:      tok,
	}, nil
}
