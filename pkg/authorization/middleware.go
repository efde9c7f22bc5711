package authorization

import (
	"context"
	"net/http"
	"strconv"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/logs"
	"github.com/corefacility/corefacility/pkg/observability"
)

// WithUser attaches the authenticated user to ctx and to the request log.
// a is nil when a module authorized the request without a token.
func WithUser(ctx context.Context, u *access.User, a *Authentication) context.Context {
	ctx = contextkeys.WithUser(ctx, u)
	ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(u.ID(), 10))
	if a != nil {
		ctx = contextkeys.WithAuthentication(ctx, a)
	}
	if l := logs.FromContext(ctx); l != nil {
		if err := l.SetUser(u.ID()); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to attach user to request log")
		}
	}
	logger := observability.GetLogger(ctx).WithField("user_id", u.ID())
	return observability.WithLogger(ctx, logger)
}

// UserFromContext returns the authenticated user, nil for anonymous requests
func UserFromContext(ctx context.Context) *access.User {
	u, _ := contextkeys.User(ctx).(*access.User)
	return u
}

// AuthenticationFromContext returns the token the request was made with
func AuthenticationFromContext(ctx context.Context) *Authentication {
	a, _ := contextkeys.Authentication(ctx).(*Authentication)
	return a
}

// Middleware authenticates every request. A bad token fails the request;
// a request no module authorizes continues anonymously.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, a, err := p.AuthenticateRequest(r)
		if err != nil {
			httputil.WriteAPIError(w, r, err)
			return
		}
		if u != nil {
			r = r.WithContext(WithUser(r.Context(), u, a))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects anonymous requests
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			httputil.WriteAPIError(w, r, errdefs.AuthenticationFailed())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSuperuser rejects requests of users without the superuser flag
func RequireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromContext(r.Context())
		if u == nil {
			httputil.WriteAPIError(w, r, errdefs.AuthenticationFailed())
			return
		}
		if !u.IsSuperuser() {
			httputil.WriteAPIError(w, r, errdefs.PermissionDenied("only superusers may do this"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
