package api

import (
	"context"
	"net/http"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// userFields are the fields a superuser may write
var userFields = []string{"login", "name", "surname", "email", "phone", "is_locked", "is_superuser"}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := filter(r, s.deps.Access.Users(), "login", "email", "q")
	for _, name := range []string{"is_locked", "is_superuser", "is_support"} {
		if err == nil {
			users, err = boolFilter(r, users, name)
		}
	}
	if err == nil {
		users, err = idFilter(r, users, "group")
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	writeList(w, r, users, userView)
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) (*access.User, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	u, err := s.deps.Access.Users().Get(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return u, true
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.user(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, userView(u))
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	body, err := decodeObject(r)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	login, err := stringField(body, "login")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	u, err := s.deps.Access.NewUser(login)
	if err == nil {
		err = assign(u, body, userFields...)
	}
	if err == nil {
		err = s.deps.Access.SaveUser(r.Context(), u)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("login", u.Login()).Info("user created")
	httputil.WriteCreated(w, userView(u))
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.user(w, r)
	if !ok {
		return
	}
	if _, err := bind(r, u, userFields...); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Access.SaveUser(r.Context(), u); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if u.IsLocked() {
		if _, err := s.deps.Pipeline.Tokens().RevokeUser(r.Context(), u.ID()); err != nil {
			httputil.WriteAPIError(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, userView(u))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	u, ok := s.user(w, r)
	if !ok {
		return
	}
	if u.ID() == currentUser(r.Context()).ID() {
		httputil.WriteAPIError(w, r, errdefs.NotPermitted("users cannot delete themselves"))
		return
	}
	if err := s.deps.Access.DeleteUser(r.Context(), u); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("login", u.Login()).Info("user deleted")
	httputil.WriteNoContent(w)
}

// resetPassword replaces the password with a one-time password and signs
// the user out everywhere
func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	u, ok := s.user(w, r)
	if !ok {
		return
	}
	password, err := u.GeneratePassword()
	if err == nil {
		err = s.deps.Access.SaveUser(r.Context(), u)
	}
	if err == nil {
		_, err = s.deps.Pipeline.Tokens().RevokeUser(r.Context(), u.ID())
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"password": password})
}

// authorizationModule finds an authorization module by alias, enabled or
// not
func (s *Server) authorizationModule(ctx context.Context, alias string) (*modules.Module, error) {
	ep, err := s.deps.Registry.EntryPoint(ctx, modules.Authorizations)
	if err != nil {
		return nil, err
	}
	children, err := s.deps.Registry.Children(ctx, ep.ID())
	if err != nil {
		return nil, err
	}
	for _, m := range children {
		if m.Alias() == alias {
			return m, nil
		}
	}
	return nil, errdefs.NotFound("authorization module %s not found", alias)
}

// account resolves the user and the module of an account route
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*access.User, *modules.Module, bool) {
	u, ok := s.user(w, r)
	if !ok {
		return nil, nil, false
	}
	alias, err := httputil.ParsePathString(r, "alias")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, nil, false
	}
	m, err := s.authorizationModule(r.Context(), alias)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, nil, false
	}
	return u, m, true
}

func (s *Server) getUserAccount(w http.ResponseWriter, r *http.Request) {
	u, m, ok := s.account(w, r)
	if !ok {
		return
	}
	acc, err := s.deps.Accounts.ForUser(r.Context(), m.ID(), u.ID())
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, accountView(m.Alias(), acc))
}

func (s *Server) bindUserAccount(w http.ResponseWriter, r *http.Request) {
	u, m, ok := s.account(w, r)
	if !ok {
		return
	}
	var req struct {
		ExternalID string `json:"external_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ExternalID == "" {
		httputil.WriteAPIError(w, r, errdefs.FieldInvalid("external_id", "this field is required"))
		return
	}
	acc, err := s.deps.Accounts.Bind(r.Context(), m.ID(), u.ID(), req.ExternalID)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, accountView(m.Alias(), acc))
}

func (s *Server) unbindUserAccount(w http.ResponseWriter, r *http.Request) {
	u, m, ok := s.account(w, r)
	if !ok {
		return
	}
	if err := s.deps.Accounts.Unbind(r.Context(), m.ID(), u.ID()); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
