package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
)

// PermissionRequest grants a level to a group. GroupID is taken from the
// path on item routes.
type PermissionRequest struct {
	GroupID     int64  `json:"group_id"`
	AccessLevel string `json:"access_level"`
}

// permissions resolves the permission collection of a route: the project
// permissions, or the permissions of the application {uuid} within the
// project. Managing either needs full access to the project.
func (s *Server) permissions(w http.ResponseWriter, r *http.Request) (*access.Permissions, bool) {
	p, ok := s.managedProject(w, r)
	if !ok {
		return nil, false
	}
	uuid, scoped := mux.Vars(r)["uuid"]
	if !scoped {
		return p.Permissions(), true
	}
	m, err := s.deps.Registry.Module(r.Context(), uuid)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	if !m.IsApplication() {
		httputil.WriteAPIError(w, r, errdefs.NotFound("module %s is not an application", m.Alias()))
		return nil, false
	}
	return p.AppPermissions(m.ID()), true
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.permissions(w, r)
	if !ok {
		return
	}
	all, err := ps.All(r.Context())
	httputil.WriteJSONOrError(w, r, http.StatusOK, all, err)
}

func (s *Server) getPermission(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.permissions(w, r)
	if !ok {
		return
	}
	groupID, ok := pathID(w, r, "group_id")
	if !ok {
		return
	}
	lvl, err := ps.Get(r.Context(), groupID)
	httputil.WriteJSONOrError(w, r, http.StatusOK, lvl, err)
}

// setPermission grants a level, replacing the previous grant of the group
func (s *Server) setPermission(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.permissions(w, r)
	if !ok {
		return
	}
	var req PermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if _, item := mux.Vars(r)["group_id"]; item {
		if req.GroupID, ok = pathID(w, r, "group_id"); !ok {
			return
		}
	}
	if req.GroupID == 0 {
		httputil.WriteAPIError(w, r, errdefs.FieldInvalid("group_id", "this field is required"))
		return
	}
	if req.AccessLevel == "" {
		httputil.WriteAPIError(w, r, errdefs.FieldInvalid("access_level", "this field is required"))
		return
	}
	if err := ps.Set(r.Context(), req.GroupID, req.AccessLevel); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	lvl, err := ps.Get(r.Context(), req.GroupID)
	httputil.WriteJSONOrError(w, r, http.StatusOK, access.Permission{GroupID: req.GroupID, Level: lvl}, err)
}

func (s *Server) deletePermission(w http.ResponseWriter, r *http.Request) {
	ps, ok := s.permissions(w, r)
	if !ok {
		return
	}
	groupID, ok := pathID(w, r, "group_id")
	if !ok {
		return
	}
	if err := ps.Delete(r.Context(), groupID); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
