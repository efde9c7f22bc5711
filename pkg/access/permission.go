package access

import (
	"context"
	"fmt"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// PermissionSchema describes core_project_permission rows
var PermissionSchema = entity.NewSchema("permission", "core_project_permission",
	entity.Field{Name: "group", Kind: entity.KindRef, Column: "group_id", Required: true, ReadOnly: true},
	entity.Field{Name: "project", Kind: entity.KindRef, Column: "project_id", Required: true, ReadOnly: true},
	entity.Field{Name: "access_level", Kind: entity.KindRef, Column: "access_level_id", Required: true},
)

// AppPermissionSchema describes core_app_permission rows
var AppPermissionSchema = entity.NewSchema("application permission", "core_app_permission",
	entity.Field{Name: "group", Kind: entity.KindRef, Column: "group_id", Required: true, ReadOnly: true},
	entity.Field{Name: "project", Kind: entity.KindRef, Column: "project_id", Required: true, ReadOnly: true},
	entity.Field{Name: "application", Kind: entity.KindRef, Column: "application_id", Required: true, ReadOnly: true},
	entity.Field{Name: "access_level", Kind: entity.KindRef, Column: "access_level_id", Required: true},
)

// Permission is one row of a managed permission collection
type Permission struct {
	GroupID   int64       `json:"group_id"`
	GroupName string      `json:"group_name"`
	Level     AccessLevel `json:"access_level"`
	// RootGroup marks the implicit row of the project root group
	RootGroup bool `json:"is_root_group"`
}

// Permissions manages the permissions of one project, or of one
// application within a project. The root group always holds the top level
// of the lattice; its row cannot be set or deleted.
type Permissions struct {
	svc     *Service
	project *Project
	app     int64
	schema  *entity.Schema
	typ     LevelType
}

func (s *Service) projectPermissions(p *Project) *Permissions {
	return &Permissions{svc: s, project: p, schema: PermissionSchema, typ: ProjectLevels}
}

// AppPermissions returns the managed permissions of an application module
// within the project
func (p *Project) AppPermissions(appID int64) *Permissions {
	return &Permissions{svc: p.svc, project: p, app: appID, schema: AppPermissionSchema, typ: AppLevels}
}

// Type returns the lattice the levels are taken from
func (ps *Permissions) Type() LevelType { return ps.typ }

func (ps *Permissions) top(ctx context.Context) (AccessLevel, error) {
	all, err := ps.svc.levels.All(ctx, ps.typ)
	if err != nil {
		return AccessLevel{}, err
	}
	return all[len(all)-1], nil
}

func (ps *Permissions) rows() *entity.Set {
	projectID, appID := ps.project.ID(), ps.app
	return entity.NewSet(entity.SetConfig{
		DB:        ps.svc.db,
		Schema:    ps.schema,
		Alias:     "pp",
		Providers: []entity.Provider{ps.svc.sqlProvider()},
		Filters: map[string]entity.Filter{
			"group": entity.Equals("pp.group_id"),
		},
		Base: func(q *entity.Query) {
			q.Where("pp.project_id = ?", projectID)
			if appID != 0 {
				q.Where("pp.application_id = ?", appID)
			}
		},
	})
}

func (ps *Permissions) row(ctx context.Context, groupID int64) (*entity.Entity, error) {
	set := ps.rows()
	if err := set.Filter("group", groupID); err != nil {
		return nil, err
	}
	return set.Index(ctx, 0)
}

// All returns the root group row followed by the explicit rows ordered by
// group name
func (ps *Permissions) All(ctx context.Context) ([]Permission, error) {
	top, err := ps.top(ctx)
	if err != nil {
		return nil, err
	}
	root, err := ps.project.RootGroup(ctx)
	if err != nil {
		return nil, err
	}
	out := []Permission{{GroupID: root.ID(), GroupName: root.Name(), Level: top, RootGroup: true}}

	query := `SELECT pp.group_id, g.name, pp.access_level_id FROM ` + ps.schema.Table + ` pp
		JOIN core_group g ON g.id = pp.group_id
		WHERE pp.project_id = $1 AND pp.group_id <> $2`
	args := []interface{}{ps.project.ID(), root.ID()}
	if ps.app != 0 {
		query += ` AND pp.application_id = $3`
		args = append(args, ps.app)
	}
	query += ` ORDER BY g.name, g.id`

	rows, err := storage.Querier(ctx, ps.svc.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions of project %s: %w", ps.project.Alias(), err)
	}
	defer rows.Close()
	type raw struct {
		group   int64
		name    string
		levelID int64
	}
	var found []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.group, &r.name, &r.levelID); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}
	rows.Close()

	for _, r := range found {
		lvl, err := ps.svc.levels.ByID(ctx, r.levelID)
		if err != nil {
			return nil, err
		}
		out = append(out, Permission{GroupID: r.group, GroupName: r.name, Level: lvl})
	}
	return out, nil
}

// Get returns the level granted to a group
func (ps *Permissions) Get(ctx context.Context, groupID int64) (AccessLevel, error) {
	if groupID == ps.project.RootGroupID() {
		return ps.top(ctx)
	}
	e, err := ps.row(ctx, groupID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return AccessLevel{}, errdefs.NotFound("group %d has no permission on project %s", groupID, ps.project.Alias())
		}
		return AccessLevel{}, err
	}
	return ps.svc.levels.ByID(ctx, e.Int("access_level"))
}

// Set grants a level to a group, replacing the previous grant
func (ps *Permissions) Set(ctx context.Context, groupID int64, alias string) error {
	if groupID == ps.project.RootGroupID() {
		return errdefs.NotPermitted("the permission of the root group cannot be changed")
	}
	lvl, err := ps.svc.levels.ByAlias(ctx, ps.typ, alias)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errdefs.FieldInvalid("access_level", "unknown %s access level %q", ps.typ, alias)
		}
		return err
	}
	return ps.svc.Atomic(ctx, func(ctx context.Context) error {
		e, err := ps.row(ctx, groupID)
		switch {
		case err == nil:
			if e.Int("access_level") == lvl.ID {
				return nil
			}
			if err := e.Set("access_level", lvl.ID); err != nil {
				return err
			}
			return e.Update(ctx)
		case errdefs.IsNotFound(err):
			e = entity.New(ps.schema, ps.svc.sqlProvider())
			values := map[string]interface{}{"group": groupID, "project": ps.project.ID(), "access_level": lvl.ID}
			if ps.app != 0 {
				values["application"] = ps.app
			}
			for name, v := range values {
				if err := e.SetInternal(name, v); err != nil {
					return err
				}
			}
			if err := e.Create(ctx); err != nil {
				if errdefs.IsNotPermitted(err) {
					return errdefs.NotFound("group %d not found", groupID)
				}
				return err
			}
			return nil
		default:
			return err
		}
	})
}

// Delete revokes the grant of a group
func (ps *Permissions) Delete(ctx context.Context, groupID int64) error {
	if groupID == ps.project.RootGroupID() {
		return errdefs.NotPermitted("the permission of the root group cannot be removed")
	}
	return ps.svc.Atomic(ctx, func(ctx context.Context) error {
		e, err := ps.row(ctx, groupID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return errdefs.NotFound("group %d has no permission on project %s", groupID, ps.project.Alias())
			}
			return err
		}
		return e.Delete(ctx)
	})
}
