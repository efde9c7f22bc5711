package api

import (
	"net/http"
	"net/url"

	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/observability"
)

// LoginRequest is the body of POST /login/
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// LoginResponse carries the issued token
type LoginResponse struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
	// Password is set only by an activation
	Password string `json:"password,omitempty"`
}

func loginResponse(res *authorization.LoginResult) LoginResponse {
	return LoginResponse{Token: res.Token, User: userView(res.User), Password: res.Password}
}

// login exchanges credentials for a token
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	res, err := s.deps.Pipeline.Login(r.Context(), authorization.Credentials{Login: req.Login, Password: req.Password})
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).
		WithField("user_id", res.User.ID()).
		WithField("module", res.Module.Alias()).
		Info("user logged in")
	s.deps.Pipeline.SetCookie(w, r, res)
	httputil.WriteSuccess(w, loginResponse(res))
}

// logout revokes the presented token
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pipeline.Logout(r); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	s.deps.Pipeline.ClearCookie(w)
	httputil.WriteNoContent(w)
}

// passwordRecovery mails an activation code. The answer does not tell
// whether the address is known.
func (s *Server) passwordRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := s.deps.Pipeline.RequestRecovery(r.Context(), req.Email); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// activate consumes an activation code and returns the one-time password
func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Code == "" {
		httputil.WriteAPIError(w, r, errdefs.FieldInvalid("code", "is required"))
		return
	}
	res, err := s.deps.Pipeline.Activate(r.Context(), req.Code)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, loginResponse(res))
}

// externalLogin sends the browser to the provider of an authorization
// module
func (s *Server) externalLogin(w http.ResponseWriter, r *http.Request) {
	alias, err := httputil.ParsePathString(r, "alias")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	target, err := s.deps.Pipeline.BeginExternal(r.Context(), alias)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// externalCallback finishes an external login. Browsers are sent back to
// the UI with the token in the cookie; without a UI address the token is
// returned as JSON.
func (s *Server) externalCallback(w http.ResponseWriter, r *http.Request) {
	alias, err := httputil.ParsePathString(r, "alias")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	res, err := s.deps.Pipeline.FinishExternal(r.Context(), alias, r)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	s.deps.Pipeline.SetCookie(w, r, res)
	if s.deps.UIURL == "" {
		httputil.WriteSuccess(w, loginResponse(res))
		return
	}
	target, err := url.Parse(s.deps.UIURL)
	if err != nil {
		httputil.WriteAPIError(w, r, errdefs.Internal(err, "bad UI address"))
		return
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// getProfile returns the requesting user
func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, userView(currentUser(r.Context())))
}

// updateProfile lets users edit their own contact details
func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := s.deps.Access.Users().Get(ctx, currentUser(ctx).ID())
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if _, err := bind(r, u, "name", "surname", "email", "phone"); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Access.SaveUser(ctx, u); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, userView(u))
}
