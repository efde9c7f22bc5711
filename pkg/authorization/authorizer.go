package authorization

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/modules"
)

// Credentials are a login and password presented to /login/
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Identity is what an external provider tells about the person that
// completed its login flow
type Identity struct {
	// ExternalID is the value bound to a user in core_external_account
	ExternalID string
	Email      string
	Name       string
	Surname    string
	// Token is kept for the issued authentication when the provider
	// returned one
	Token *oauth2.Token
}

// An authorization module implements one or more of the interfaces below.
// A nil user with a nil error is a refusal and lets the next module try;
// an error stops the pipeline and fails the request with 401.

// CredentialAuthorizer checks a login and password
type CredentialAuthorizer interface {
	TryLogin(ctx context.Context, m *modules.Module, c Credentials) (*access.User, error)
}

// APIAuthorizer authorizes API requests that carry no token
type APIAuthorizer interface {
	TryAPI(ctx context.Context, m *modules.Module, r *http.Request) (*access.User, error)
}

// UIAuthorizer authorizes page loads of the front-end
type UIAuthorizer interface {
	TryUI(ctx context.Context, m *modules.Module, r *http.Request) (*access.User, error)
}

// ExternalAuthorizer delegates the login to an outside provider. state is
// the external session key the provider must hand back.
type ExternalAuthorizer interface {
	AuthURL(ctx context.Context, m *modules.Module, state string) (string, error)
	Exchange(ctx context.Context, m *modules.Module, r *http.Request) (*Identity, error)
}

// Class names of the authorization modules
const (
	StandardClass         = "authorizations.standard"
	CookieClass           = "authorizations.cookie"
	AutoClass             = "authorizations.auto"
	UnixClass             = "authorizations.unix"
	GoogleClass           = "authorizations.google"
	MailruClass           = "authorizations.mailru"
	IhnaClass             = "authorizations.ihna"
	PasswordRecoveryClass = "authorizations.password_recovery"
)

// Deps are the collaborators authorization modules are built with
type Deps struct {
	Access   *access.Service
	Tokens   *TokenStore
	Registry *modules.Registry
	Security config.SecurityConfig
	// BaseURL is the public address callbacks are built from
	BaseURL string
	Mailer  Mailer
	// HTTPClient is used to reach external providers; nil means the default
	HTTPClient *http.Client
}

// Apps returns every authorization module class
func Apps(d Deps) []modules.App {
	if d.Mailer == nil {
		d.Mailer = LogMailer{}
	}
	return []modules.App{
		&standardApp{users: d.Access},
		&cookieApp{tokens: d.Tokens, cookieName: d.Security.CookieName},
		&autoApp{users: d.Access, registry: d.Registry},
		&unixApp{users: d.Access},
		newGoogleApp(d),
		newMailruApp(d),
		newIhnaApp(d),
		newRecoveryApp(d),
	}
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func callbackURL(baseURL, alias string) string {
	return baseURL + "/api/v1/auth/" + alias + "/callback/"
}
