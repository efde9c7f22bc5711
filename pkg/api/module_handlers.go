package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// ModuleUpdate is the body of PATCH /settings/{uuid}/
type ModuleUpdate struct {
	IsEnabled *bool           `json:"is_enabled"`
	Settings  json.RawMessage `json:"user_settings"`
}

// installedModules walks the module tree from the root, parents first
func (s *Server) installedModules(ctx context.Context) ([]*modules.Module, error) {
	root, err := s.deps.Registry.Root(ctx)
	if err != nil {
		return nil, err
	}
	all := []*modules.Module{root}
	for i := 0; i < len(all); i++ {
		eps, err := s.deps.Registry.EntryPoints(ctx, all[i].ID())
		if err != nil {
			return nil, err
		}
		for _, ep := range eps {
			children, err := s.deps.Registry.Children(ctx, ep.ID())
			if err != nil {
				return nil, err
			}
			all = append(all, children...)
		}
	}
	return all, nil
}

// listModules pages through every installed module. ?is_application=
// narrows the list.
func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	p, err := httputil.ParsePagination(r)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	onlyApps, narrowed, err := httputil.ParseQueryBool(r, "is_application")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	all, err := s.installedModules(r.Context())
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	views := make([]ModuleView, 0, len(all))
	for _, m := range all {
		if narrowed && m.IsApplication() != onlyApps {
			continue
		}
		views = append(views, moduleView(m))
	}
	start, stop := p.Offset(), p.Offset()+p.Size
	if start > len(views) {
		start = len(views)
	}
	if stop > len(views) {
		stop = len(views)
	}
	httputil.WriteSuccess(w, httputil.NewPage(r, p, len(views), views[start:stop]))
}

func (s *Server) module(w http.ResponseWriter, r *http.Request) (*modules.Module, bool) {
	m, err := s.deps.Registry.Module(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return m, true
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, moduleView(m))
}

// updateModule switches a module on or off and replaces its settings
func (s *Server) updateModule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	var req ModuleUpdate
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	var err error
	if req.IsEnabled != nil {
		if *req.IsEnabled {
			err = s.deps.Registry.Enable(ctx, m.UUID())
		} else {
			err = s.deps.Registry.Disable(ctx, m.UUID())
		}
	}
	if err == nil && len(req.Settings) > 0 {
		_, err = s.deps.Registry.UpdateSettings(ctx, m.UUID(), req.Settings)
	}
	if err == nil {
		m, err = s.deps.Registry.Module(ctx, m.UUID())
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(ctx).
		WithField("module", m.Alias()).
		WithField("is_enabled", m.IsEnabled()).
		Info("module settings changed")
	httputil.WriteSuccess(w, moduleView(m))
}

func (s *Server) listEntryPoints(w http.ResponseWriter, r *http.Request) {
	m, ok := s.module(w, r)
	if !ok {
		return
	}
	eps, err := s.deps.Registry.EntryPoints(r.Context(), m.ID())
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	views := make([]EntryPointView, 0, len(eps))
	for _, ep := range eps {
		views = append(views, entryPointView(ep))
	}
	httputil.WriteSuccess(w, views)
}

func (s *Server) listEntryPointModules(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ep, err := s.deps.Registry.EntryPointByID(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	children, err := s.deps.Registry.Children(r.Context(), ep.ID())
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	views := make([]ModuleView, 0, len(children))
	for _, m := range children {
		views = append(views, moduleView(m))
	}
	httputil.WriteSuccess(w, views)
}

// listAccessLevels lists a lattice, lowest first. ?type= is prj or app.
func (s *Server) listAccessLevels(w http.ResponseWriter, r *http.Request) {
	typ := access.LevelType(httputil.ParseQueryString(r, "type", string(access.ProjectLevels)))
	if typ != access.ProjectLevels && typ != access.AppLevels {
		httputil.WriteAPIError(w, r, errdefs.FieldInvalid("type", "must be %s or %s", access.ProjectLevels, access.AppLevels))
		return
	}
	levels, err := s.deps.Access.Levels().All(r.Context(), typ)
	httputil.WriteJSONOrError(w, r, http.StatusOK, levels, err)
}
