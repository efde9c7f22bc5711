package modules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/validation"
)

// Registry links registered module classes to their persisted rows and
// manages the module tree. Create one per process (or per test).
type Registry struct {
	db      *sql.DB
	profile config.Profile
	cache   *rowCache

	mu    sync.RWMutex
	apps  map[string]App
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry(db *sql.DB, profile config.Profile, cacheTTL time.Duration) *Registry {
	return &Registry{
		db:      db,
		profile: profile,
		cache:   newRowCache(cacheTTL),
		apps:    make(map[string]App),
	}
}

// SetMetrics enables cache hit and miss counters
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.cache.metrics = m
}

// Profile returns the profile feasibility is checked against
func (r *Registry) Profile() config.Profile { return r.profile }

// Register adds module classes. Classes are installed in registration
// order after their parents.
func (r *Registry) Register(apps ...App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range apps {
		info := app.Info()
		if info.Class == "" {
			return fmt.Errorf("module %q has no class", info.Alias)
		}
		if _, ok := r.apps[info.Class]; ok {
			return fmt.Errorf("module class %s is already registered", info.Class)
		}
		if err := validation.Slug("alias", info.Alias, validation.MaxAliasLength); err != nil {
			return fmt.Errorf("module class %s: %w", info.Class, err)
		}
		if (info.Parent == nil) != (info.Class == CoreClass) {
			return fmt.Errorf("module class %s: only %s may have no parent entry point", info.Class, CoreClass)
		}
		r.apps[info.Class] = app
		r.order = append(r.order, info.Class)
	}
	return nil
}

// App returns a registered class
func (r *Registry) App(class string) (App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[class]
	if !ok {
		return nil, errdefs.NotFound("module class %s is not registered", class)
	}
	return app, nil
}

// Apps returns the registered classes in registration order
func (r *Registry) Apps() []App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]App, len(r.order))
	for i, class := range r.order {
		out[i] = r.apps[class]
	}
	return out
}

func (r *Registry) moduleSet() *entity.Set {
	return entity.NewSet(entity.SetConfig{
		DB:         r.db,
		Schema:     ModuleSchema,
		Alias:      "m",
		Providers:  []entity.Provider{entity.NewSQLProvider(r.db)},
		AliasField: "alias",
		Filters: map[string]entity.Filter{
			"uuid":           entity.Equals("m.uuid"),
			"class":          entity.Equals("m.app_class"),
			"parent":         entity.Equals("m.parent_entry_point_id"),
			"enabled":        entity.Equals("m.is_enabled"),
			"is_application": entity.Equals("m.is_application"),
		},
	})
}

func (r *Registry) entryPointSet() *entity.Set {
	return entity.NewSet(entity.SetConfig{
		DB:         r.db,
		Schema:     EntryPointSchema,
		Alias:      "ep",
		Providers:  []entity.Provider{entity.NewSQLProvider(r.db)},
		AliasField: "alias",
		Filters: map[string]entity.Filter{
			"module": entity.Equals("ep.belonging_module_id"),
		},
	})
}

func (r *Registry) module(rec record) *Module {
	values := make(map[string]interface{}, len(rec.values))
	for k, v := range rec.values {
		values[k] = v
	}
	e := entity.Load(ModuleSchema, rec.id, values, entity.NewSQLProvider(r.db))
	r.mu.RLock()
	app := r.apps[e.String("app_class")]
	r.mu.RUnlock()
	return &Module{Entity: e, app: app}
}

func (r *Registry) entryPoint(rec record) *EntryPoint {
	values := make(map[string]interface{}, len(rec.values))
	for k, v := range rec.values {
		values[k] = v
	}
	return &EntryPoint{Entity: entity.Load(EntryPointSchema, rec.id, values, entity.NewSQLProvider(r.db))}
}

func (r *Registry) lookupModule(ctx context.Context, key, filter string, value interface{}) (*Module, error) {
	recs, err := r.cache.get(ctx, key, func(ctx context.Context) ([]*entity.Entity, error) {
		set := r.moduleSet()
		if err := set.Filter(filter, value); err != nil {
			return nil, err
		}
		e, err := set.Index(ctx, 0)
		if errdefs.IsNotFound(err) {
			return nil, errdefs.NotFound("module %v not found", value)
		}
		if err != nil {
			return nil, err
		}
		return []*entity.Entity{e}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.module(recs[0]), nil
}

// Module returns the module with the given uuid
func (r *Registry) Module(ctx context.Context, id string) (*Module, error) {
	return r.lookupModule(ctx, "uuid:"+id, "uuid", id)
}

// ModuleByClass returns the module linked with a class
func (r *Registry) ModuleByClass(ctx context.Context, class string) (*Module, error) {
	return r.lookupModule(ctx, "class:"+class, "class", class)
}

// ModuleByID returns the module with the given row id
func (r *Registry) ModuleByID(ctx context.Context, id int64) (*Module, error) {
	recs, err := r.cache.get(ctx, fmt.Sprintf("id:%d", id), func(ctx context.Context) ([]*entity.Entity, error) {
		e, err := r.moduleSet().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*entity.Entity{e}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.module(recs[0]), nil
}

// Root returns the root module
func (r *Registry) Root(ctx context.Context) (*Module, error) {
	return r.ModuleByClass(ctx, CoreClass)
}

// EntryPoints returns the entry points owned by a module
func (r *Registry) EntryPoints(ctx context.Context, moduleID int64) ([]*EntryPoint, error) {
	recs, err := r.cache.get(ctx, fmt.Sprintf("eps:%d", moduleID), func(ctx context.Context) ([]*entity.Entity, error) {
		set := r.entryPointSet()
		_ = set.Filter("module", moduleID)
		return set.All(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*EntryPoint, len(recs))
	for i, rec := range recs {
		out[i] = r.entryPoint(rec)
	}
	return out, nil
}

// EntryPoint returns an entry point by owning class and alias
func (r *Registry) EntryPoint(ctx context.Context, ref EntryPointRef) (*EntryPoint, error) {
	owner, err := r.ModuleByClass(ctx, ref.Module)
	if err != nil {
		return nil, err
	}
	eps, err := r.EntryPoints(ctx, owner.ID())
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		if ep.Alias() == ref.EntryPoint {
			return ep, nil
		}
	}
	return nil, errdefs.NotFound("entry point %s not found", ref)
}

// EntryPointByID returns an entry point by row id
func (r *Registry) EntryPointByID(ctx context.Context, id int64) (*EntryPoint, error) {
	recs, err := r.cache.get(ctx, fmt.Sprintf("ep:%d", id), func(ctx context.Context) ([]*entity.Entity, error) {
		e, err := r.entryPointSet().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return []*entity.Entity{e}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.entryPoint(recs[0]), nil
}

// Children returns every module attached to an entry point in install order
func (r *Registry) Children(ctx context.Context, entryPointID int64) ([]*Module, error) {
	recs, err := r.cache.get(ctx, fmt.Sprintf("children:%d", entryPointID), func(ctx context.Context) ([]*entity.Entity, error) {
		set := r.moduleSet()
		_ = set.Filter("parent", entryPointID)
		return set.All(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Module, len(recs))
	for i, rec := range recs {
		out[i] = r.module(rec)
	}
	return out, nil
}

// Enabled returns the enabled modules of an entry point whose classes are
// registered and feasible under the current profile, in install order
func (r *Registry) Enabled(ctx context.Context, ref EntryPointRef) ([]*Module, error) {
	ep, err := r.EntryPoint(ctx, ref)
	if err != nil {
		return nil, err
	}
	children, err := r.Children(ctx, ep.ID())
	if err != nil {
		return nil, err
	}
	var out []*Module
	for _, m := range children {
		if m.IsEnabled() && r.Feasible(m) == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Feasible reports whether the module may be enabled under the profile
func (r *Registry) Feasible(m *Module) error {
	if m.App() == nil {
		return errdefs.NotPermitted("module class %s is not available in this installation", m.Class())
	}
	return m.App().Info().Requires.Check(r.profile)
}

// Enable turns a module on. On a select entry point the enabled sibling is
// turned off in the same transaction; a concurrent enable of another
// sibling makes one of the two calls fail with a validation error.
func (r *Registry) Enable(ctx context.Context, id string) error {
	return storage.InTx(ctx, r.db, func(ctx context.Context) error {
		m, err := r.Module(ctx, id)
		if err != nil {
			return err
		}
		if err := r.Feasible(m); err != nil {
			return err
		}
		if m.IsEnabled() {
			return nil
		}
		if m.Bool("in_select") {
			_, err := storage.Querier(ctx, r.db).ExecContext(ctx,
				`UPDATE core_module SET is_enabled = $1 WHERE parent_entry_point_id = $2 AND id <> $3 AND is_enabled`,
				false, m.ParentEntryPoint(), m.ID())
			if err != nil {
				return fmt.Errorf("failed to disable siblings of %s: %w", m.Class(), err)
			}
		}
		if err := m.Set("is_enabled", true); err != nil {
			return err
		}
		if err := m.Update(ctx); err != nil {
			if errdefs.IsDuplicated(err) {
				return errdefs.Validation("another module of the same entry point has just been enabled")
			}
			return err
		}
		storage.AfterCommit(ctx, r.Invalidate)
		return nil
	})
}

// Disable turns a module off. The root module cannot be disabled.
func (r *Registry) Disable(ctx context.Context, id string) error {
	return storage.InTx(ctx, r.db, func(ctx context.Context) error {
		m, err := r.Module(ctx, id)
		if err != nil {
			return err
		}
		if m.ParentEntryPoint() == 0 {
			return errdefs.NotPermitted("the root module cannot be disabled")
		}
		if !m.IsEnabled() {
			return nil
		}
		if err := m.Set("is_enabled", false); err != nil {
			return err
		}
		if err := m.Update(ctx); err != nil {
			return err
		}
		storage.AfterCommit(ctx, r.Invalidate)
		return nil
	})
}

// UpdateSettings validates settings with the module serializer and saves
// them. Without a serializer any JSON object is accepted.
func (r *Registry) UpdateSettings(ctx context.Context, id string, raw json.RawMessage) (*Module, error) {
	var updated *Module
	err := storage.InTx(ctx, r.db, func(ctx context.Context) error {
		m, err := r.Module(ctx, id)
		if err != nil {
			return err
		}
		canonical := raw
		if s, ok := m.App().(SettingsSerializer); ok {
			if canonical, err = s.ValidateSettings(raw); err != nil {
				return err
			}
		} else {
			var obj map[string]interface{}
			if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
				return errdefs.FieldInvalid("user_settings", "must be a JSON object")
			}
		}
		if err := m.Set("user_settings", canonical); err != nil {
			return err
		}
		if err := m.Update(ctx); err != nil {
			return err
		}
		storage.AfterCommit(ctx, r.Invalidate)
		updated = m
		return nil
	})
	return updated, err
}

// Invalidate drops every cached row of this process
func (r *Registry) Invalidate() {
	r.cache.purge()
}

// Install writes rows for registered classes that have none and re-links
// the others by (parent entry point, alias). Module uuids never change once
// written.
func (r *Registry) Install(ctx context.Context) error {
	apps, err := r.installOrder()
	if err != nil {
		return err
	}
	logger := observability.FromContext(ctx)
	err = storage.InTx(ctx, r.db, func(ctx context.Context) error {
		entryPoints := map[EntryPointRef]*EntryPoint{}
		for _, app := range apps {
			info := app.Info()
			var parent *EntryPoint
			if info.Parent != nil {
				parent = entryPoints[*info.Parent]
				if parent == nil {
					return fmt.Errorf("module class %s: entry point %s is not declared", info.Class, info.Parent)
				}
			}
			m, created, err := r.installModule(ctx, info, parent)
			if err != nil {
				return err
			}
			if created {
				logger.WithField("module", info.Class).WithField("uuid", m.UUID()).Info("Module installed")
			}
			for _, epInfo := range info.EntryPoints {
				ep, err := r.installEntryPoint(ctx, m, epInfo)
				if err != nil {
					return err
				}
				entryPoints[EntryPointRef{Module: info.Class, EntryPoint: epInfo.Alias}] = ep
			}
		}
		return nil
	})
	r.Invalidate()
	return err
}

// installOrder sorts classes so that every parent precedes its children
func (r *Registry) installOrder() ([]App, error) {
	apps := r.Apps()
	declared := map[EntryPointRef]bool{}
	var ordered []App
	for len(apps) > 0 {
		var rest []App
		for _, app := range apps {
			info := app.Info()
			if info.Parent != nil && !declared[*info.Parent] {
				rest = append(rest, app)
				continue
			}
			for _, ep := range info.EntryPoints {
				declared[EntryPointRef{Module: info.Class, EntryPoint: ep.Alias}] = true
			}
			ordered = append(ordered, app)
		}
		if len(rest) == len(apps) {
			return nil, fmt.Errorf("module class %s: parent entry point %s is not declared by any registered class",
				rest[0].Info().Class, rest[0].Info().Parent)
		}
		apps = rest
	}
	return ordered, nil
}

func (r *Registry) installModule(ctx context.Context, info Info, parent *EntryPoint) (*Module, bool, error) {
	set := r.moduleSet()
	var parentID interface{}
	if parent != nil {
		parentID = parent.ID()
	}
	_ = set.Filter("parent", parentID)
	existing, err := set.GetByAlias(ctx, info.Alias)
	if err == nil {
		m := &Module{Entity: existing, app: nil}
		for name, v := range map[string]string{"name": info.Name, "html": info.HTML, "app_class": info.Class} {
			if m.String(name) != v {
				if err := m.SetInternal(name, v); err != nil {
					return nil, false, err
				}
			}
		}
		if m.State() == entity.StateChanged {
			if err := m.Update(ctx); err != nil {
				return nil, false, err
			}
		}
		return m, false, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, false, err
	}

	settings := info.Settings
	if settings == nil {
		settings = map[string]interface{}{}
	}
	inSelect := parent != nil && parent.Type() == Select
	enabled := info.EnabledByDefault && info.Requires.Check(r.profile) == nil
	if enabled && inSelect {
		siblings := r.moduleSet()
		_ = siblings.Filter("parent", parentID)
		_ = siblings.Filter("enabled", true)
		n, err := siblings.Count(ctx)
		if err != nil {
			return nil, false, err
		}
		enabled = n == 0
	}

	e := entity.New(ModuleSchema, entity.NewSQLProvider(r.db))
	internal := map[string]interface{}{
		"uuid":               uuid.NewString(),
		"parent_entry_point": parentID,
		"alias":              info.Alias,
		"name":               info.Name,
		"html":               info.HTML,
		"app_class":          info.Class,
		"is_application":     info.IsApplication,
		"in_select":          inSelect,
		"is_enabled":         enabled,
		"user_settings":      settings,
	}
	for name, v := range internal {
		if err := e.SetInternal(name, v); err != nil {
			return nil, false, fmt.Errorf("module class %s: %w", info.Class, err)
		}
	}
	if err := e.Create(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to install module %s: %w", info.Class, err)
	}
	return &Module{Entity: e}, true, nil
}

func (r *Registry) installEntryPoint(ctx context.Context, m *Module, info EntryPointInfo) (*EntryPoint, error) {
	set := r.entryPointSet()
	_ = set.Filter("module", m.ID())
	existing, err := set.GetByAlias(ctx, info.Alias)
	if err == nil {
		ep := &EntryPoint{Entity: existing}
		if ep.Type() != info.Type {
			return nil, fmt.Errorf("entry point %s/%s changed type from %s to %s", m.Class(), info.Alias, ep.Type(), info.Type)
		}
		if ep.String("name") != info.Name {
			if err := ep.Set("name", info.Name); err != nil {
				return nil, err
			}
			if err := ep.Update(ctx); err != nil {
				return nil, err
			}
		}
		return ep, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}

	e := entity.New(EntryPointSchema, entity.NewSQLProvider(r.db))
	for name, v := range map[string]interface{}{
		"alias":            info.Alias,
		"name":             info.Name,
		"type":             string(info.Type),
		"belonging_module": m.ID(),
	} {
		if err := e.SetInternal(name, v); err != nil {
			return nil, fmt.Errorf("entry point %s/%s: %w", m.Class(), info.Alias, err)
		}
	}
	if err := e.Create(ctx); err != nil {
		return nil, fmt.Errorf("failed to install entry point %s/%s: %w", m.Class(), info.Alias, err)
	}
	return &EntryPoint{Entity: e}, nil
}

// WithRegistry attaches the registry to a request context
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return contextkeys.WithRegistry(ctx, r)
}

// FromContext returns the registry attached to ctx
func FromContext(ctx context.Context) (*Registry, error) {
	if r, ok := contextkeys.Registry(ctx).(*Registry); ok {
		return r, nil
	}
	return nil, errdefs.Internal(nil, "no module registry in context")
}
