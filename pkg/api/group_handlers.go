package api

import (
	"context"
	"net/http"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
)

func groupView(ctx context.Context, g *access.Group) (GroupView, error) {
	v := GroupView{ID: g.ID(), Name: g.Name()}
	gov, err := g.Governor(ctx)
	switch {
	case err == nil:
		uv := userView(gov)
		v.Governor = &uv
	case !errdefs.IsNotFound(err):
		return v, err
	}
	return v, nil
}

// visibleGroups are all groups for superusers and the groups a user
// belongs to otherwise
func (s *Server) visibleGroups(u *access.User) (*entity.Collection[*access.Group], error) {
	if u.IsSuperuser() {
		return s.deps.Access.Groups(), nil
	}
	return s.deps.Access.Groups().Where("user", u.ID())
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groups, err := s.visibleGroups(currentUser(ctx))
	if err == nil {
		groups, err = filter(r, groups, "name", "q")
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	var viewErr error
	pg, err := page(r, groups, func(g *access.Group) GroupView {
		v, err := groupView(ctx, g)
		if err != nil && viewErr == nil {
			viewErr = err
		}
		return v
	})
	if err == nil {
		err = viewErr
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, pg)
}

// group loads a group the requesting user can see
func (s *Server) group(w http.ResponseWriter, r *http.Request) (*access.Group, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	groups, err := s.visibleGroups(currentUser(r.Context()))
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	g, err := groups.Get(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return g, true
}

// governedGroup loads a group the requesting user may change: superusers
// change every group, other users only the groups they govern
func (s *Server) governedGroup(w http.ResponseWriter, r *http.Request) (*access.Group, bool) {
	g, ok := s.group(w, r)
	if !ok {
		return nil, false
	}
	u := currentUser(r.Context())
	if u.IsSuperuser() {
		return g, true
	}
	gov, err := g.Governor(r.Context())
	if err != nil && !errdefs.IsNotFound(err) {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	if gov == nil || gov.ID() != u.ID() {
		httputil.WriteAPIError(w, r, errdefs.PermissionDenied("only the governor of group %q may change it", g.Name()))
		return nil, false
	}
	return g, true
}

func (s *Server) writeGroup(w http.ResponseWriter, r *http.Request, status int, g *access.Group) {
	v, err := groupView(r.Context(), g)
	httputil.WriteJSONOrError(w, r, status, v, err)
}

// createGroup creates a group governed by the requesting user
func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	g, err := s.deps.Access.NewGroup(req.Name, currentUser(r.Context()))
	if err == nil {
		err = s.deps.Access.SaveGroup(r.Context(), g)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	s.writeGroup(w, r, http.StatusCreated, g)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	s.writeGroup(w, r, http.StatusOK, g)
}

// updateGroup renames a group and hands it over when governor is given
func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	g, ok := s.governedGroup(w, r)
	if !ok {
		return
	}
	body, err := decodeObject(r)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	governor, handOver := body["governor"]
	delete(body, "governor")
	if err := assign(g, body, "name"); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	err = s.deps.Access.Atomic(ctx, func(ctx context.Context) error {
		if err := s.deps.Access.SaveGroup(ctx, g); err != nil {
			return err
		}
		if !handOver {
			return nil
		}
		id, ok := governor.(float64)
		if !ok {
			return errdefs.FieldInvalid("governor", "must be a user id")
		}
		u, err := s.deps.Access.Users().Get(ctx, int64(id))
		if err != nil {
			return err
		}
		return s.deps.Access.SetGovernor(ctx, g, u)
	})
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	s.writeGroup(w, r, http.StatusOK, g)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := s.governedGroup(w, r)
	if !ok {
		return
	}
	if err := s.deps.Access.DeleteGroup(r.Context(), g); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) listGroupUsers(w http.ResponseWriter, r *http.Request) {
	g, ok := s.group(w, r)
	if !ok {
		return
	}
	users, err := filter(r, g.Users(), "q")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	writeList(w, r, users, userView)
}

func (s *Server) addGroupUser(w http.ResponseWriter, r *http.Request) {
	g, ok := s.governedGroup(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	u, err := s.deps.Access.Users().Get(r.Context(), req.UserID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			err = errdefs.FieldInvalid("user_id", "no user with id %d", req.UserID)
		}
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Access.AddUser(r.Context(), g, u); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteCreated(w, userView(u))
}

func (s *Server) removeGroupUser(w http.ResponseWriter, r *http.Request) {
	g, ok := s.governedGroup(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	u, err := s.deps.Access.Users().Get(r.Context(), id)
	if err == nil {
		err = s.deps.Access.RemoveUser(r.Context(), g, u)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
