package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/observability"
)

// projectFields are the fields a project manager may write
var projectFields = []string{"alias", "name", "description"}

// describeProject adds the standing of u on the project to its view
func (s *Server) describeProject(ctx context.Context, u *access.User, p *access.Project) (ProjectView, error) {
	v := projectView(p)
	lvl, _, err := s.deps.Access.ProjectLevel(ctx, u, p)
	if err != nil {
		return v, err
	}
	v.AccessLevel = lvl.Alias
	root, err := p.RootGroup(ctx)
	if err != nil {
		return v, err
	}
	gov, err := root.Governor(ctx)
	if err != nil && !errdefs.IsNotFound(err) {
		return v, err
	}
	v.IsUserGovernor = gov != nil && gov.ID() == u.ID()
	return v, nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u := currentUser(ctx)
	projects, err := s.deps.Access.VisibleProjects(u)
	if err == nil {
		projects, err = filter(r, projects, "alias", "q")
	}
	if err == nil {
		projects, err = idFilter(r, projects, "root_group")
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	var viewErr error
	pg, err := page(r, projects, func(p *access.Project) ProjectView {
		v, err := s.describeProject(ctx, u, p)
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

// project loads the project named by {lookup}, an id or an alias, among
// the projects the requesting user can see
func (s *Server) project(w http.ResponseWriter, r *http.Request) (*access.Project, bool) {
	ctx := r.Context()
	lookup := mux.Vars(r)["lookup"]
	projects, err := s.deps.Access.VisibleProjects(currentUser(ctx))
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	var p *access.Project
	if id, perr := strconv.ParseInt(lookup, 10, 64); perr == nil {
		p, err = projects.Get(ctx, id)
	} else {
		p, err = projects.GetByAlias(ctx, lookup)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return p, true
}

// managedProject loads a project the requesting user holds full access to
func (s *Server) managedProject(w http.ResponseWriter, r *http.Request) (*access.Project, bool) {
	p, ok := s.project(w, r)
	if !ok {
		return nil, false
	}
	if _, err := s.deps.Access.RequireProject(r.Context(), currentUser(r.Context()), p, access.Full); err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return p, true
}

func (s *Server) writeProject(w http.ResponseWriter, r *http.Request, status int, p *access.Project) {
	v, err := s.describeProject(r.Context(), currentUser(r.Context()), p)
	httputil.WriteJSONOrError(w, r, status, v, err)
}

// createProject creates a project. Without root_group a new group named
// after the project becomes its root group, governed by the user given as
// governor or by the requesting superuser.
func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := decodeObject(r)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	governor := currentUser(ctx)
	if raw, ok := body["governor"]; ok {
		delete(body, "governor")
		id, isNum := raw.(float64)
		if !isNum {
			httputil.WriteAPIError(w, r, errdefs.FieldInvalid("governor", "must be a user id"))
			return
		}
		if governor, err = s.deps.Access.Users().Get(ctx, int64(id)); err != nil {
			if errdefs.IsNotFound(err) {
				err = errdefs.FieldInvalid("governor", "no user with id %d", int64(id))
			}
			httputil.WriteAPIError(w, r, err)
			return
		}
	}
	alias, err := stringField(body, "alias")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	name, err := stringField(body, "name")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	p, err := s.deps.Access.NewProject(alias, name)
	if err == nil {
		err = assign(p, body, "alias", "name", "description", "root_group")
	}
	if err == nil {
		err = s.deps.Access.CreateProject(ctx, p, governor)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(ctx).WithField("project", p.Alias()).Info("project created")
	s.writeProject(w, r, http.StatusCreated, p)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	s.writeProject(w, r, http.StatusOK, p)
}

// updateProject edits a project; moving it to another root group is left
// to superusers
func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.managedProject(w, r)
	if !ok {
		return
	}
	fields := projectFields
	if currentUser(r.Context()).IsSuperuser() {
		fields = append([]string{"root_group"}, projectFields...)
	}
	if _, err := bind(r, p, fields...); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Access.SaveProject(r.Context(), p); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	s.writeProject(w, r, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}
	if err := s.deps.Access.DeleteProject(r.Context(), p); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("project", p.Alias()).Info("project deleted")
	httputil.WriteNoContent(w)
}
