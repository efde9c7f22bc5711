package authorization

import (
	"context"
	"net/http"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
)

// standardApp checks the password stored on the user
type standardApp struct {
	users *access.Service
}

func (a *standardApp) Info() modules.Info {
	return modules.Info{
		Class:            StandardClass,
		Alias:            "standard",
		Name:             "Standard authorization",
		Parent:           &modules.Authorizations,
		EnabledByDefault: true,
	}
}

func (a *standardApp) TryLogin(ctx context.Context, _ *modules.Module, c Credentials) (*access.User, error) {
	if c.Login == "" || c.Password == "" {
		return nil, nil
	}
	u, err := a.users.Users().GetByAlias(ctx, c.Login)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked() || u.PasswordHash() == "" {
		return nil, nil
	}
	if err := u.CheckPassword(c.Password); err != nil {
		return nil, nil
	}
	return u, nil
}

// cookieApp authorizes page loads with the token the login response put
// into a cookie
type cookieApp struct {
	tokens     *TokenStore
	cookieName string
}

func (a *cookieApp) Info() modules.Info {
	return modules.Info{
		Class:            CookieClass,
		Alias:            "cookie",
		Name:             "Cookie authorization",
		Parent:           &modules.Authorizations,
		EnabledByDefault: true,
	}
}

func (a *cookieApp) TryUI(ctx context.Context, _ *modules.Module, r *http.Request) (*access.User, error) {
	c, err := r.Cookie(a.cookieName)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	u, _, err := a.tokens.Authenticate(ctx, c.Value)
	if errdefs.IsUnauthenticated(err) {
		return nil, nil
	}
	return u, err
}

// autoApp lets everybody in as the support user on a single-desktop
// installation where no other way to sign in is enabled
type autoApp struct {
	users    *access.Service
	registry *modules.Registry
}

// auxiliary modules do not establish credentials of their own
var auxiliary = map[string]bool{
	AutoClass:             true,
	CookieClass:           true,
	PasswordRecoveryClass: true,
}

func (a *autoApp) Info() modules.Info {
	return modules.Info{
		Class:            AutoClass,
		Alias:            "auto",
		Name:             "Automatic authorization",
		Parent:           &modules.Authorizations,
		EnabledByDefault: true,
		Requires:         modules.Requirements{Profiles: []config.ProfileName{config.VirtualServer}},
	}
}

func (a *autoApp) support(ctx context.Context) (*access.User, error) {
	enabled, err := a.registry.Enabled(ctx, modules.Authorizations)
	if err != nil {
		return nil, err
	}
	for _, m := range enabled {
		if !auxiliary[m.Class()] {
			return nil, nil
		}
	}
	u, err := a.users.Support(ctx)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if u.IsLocked() {
		return nil, nil
	}
	return u, nil
}

func (a *autoApp) TryLogin(ctx context.Context, _ *modules.Module, c Credentials) (*access.User, error) {
	if c.Login != access.SupportLogin {
		return nil, nil
	}
	return a.support(ctx)
}

func (a *autoApp) TryAPI(ctx context.Context, _ *modules.Module, _ *http.Request) (*access.User, error) {
	return a.support(ctx)
}

func (a *autoApp) TryUI(ctx context.Context, _ *modules.Module, _ *http.Request) (*access.User, error) {
	return a.support(ctx)
}
