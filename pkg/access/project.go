package access

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/validation"
)

// projectDirMode lets root-group members share files through the setgid bit
const projectDirMode = "2770"

// ProjectSchema describes core_project rows
var ProjectSchema = entity.NewSchema("project", "core_project",
	entity.Field{Name: "alias", Kind: entity.KindString, Required: true,
		Rule: "max=" + strconv.Itoa(validation.MaxAliasLength) + ",slug"},
	entity.Field{Name: "name", Kind: entity.KindString, Required: true, Rule: "max=64"},
	entity.Field{Name: "description", Kind: entity.KindString, Rule: "max=1024"},
	entity.Field{Name: "avatar", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "root_group", Kind: entity.KindRef, Column: "root_group_id", Required: true},
	entity.Field{Name: "unix_group", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "project_dir", Kind: entity.KindString, ReadOnly: true},
)

// Project is a workspace whose data is shared according to permissions
type Project struct {
	*entity.Entity
	svc *Service
}

// Alias returns the project alias
func (p *Project) Alias() string { return p.String("alias") }

// Name returns the project name
func (p *Project) Name() string { return p.String("name") }

// RootGroupID returns the id of the root group
func (p *Project) RootGroupID() int64 { return p.Int("root_group") }

// UnixGroup returns the POSIX group of the project, empty without POSIX
func (p *Project) UnixGroup() string { return p.String("unix_group") }

// Dir returns the project directory
func (p *Project) Dir() string { return p.String("project_dir") }

// RootGroup loads the root group
func (p *Project) RootGroup(ctx context.Context) (*Group, error) {
	return p.svc.Groups().Get(ctx, p.RootGroupID())
}

// Permissions returns the managed project permission collection
func (p *Project) Permissions() *Permissions {
	return p.svc.projectPermissions(p)
}

func (s *Service) projectProviders() []entity.Provider {
	providers := s.avatarProvider()
	providers = append(providers, s.projectNaming(), s.sqlProvider(), s.projectPosix())
	return providers
}

// projectNaming assigns the POSIX group and the project directory on create
func (s *Service) projectNaming() entity.Provider {
	return entity.ProviderFuncs{
		NoCompensation: true,
		Create: func(_ context.Context, e *entity.Entity) error {
			if !s.profile.AdministersPosix() || !e.IsNull("unix_group") {
				return nil
			}
			name, err := s.unixName(e.String("alias"))
			if err != nil {
				return err
			}
			if err := e.SetInternal("unix_group", name); err != nil {
				return err
			}
			return e.SetInternal("project_dir", filepath.Join(s.profile.ProjectBaseDir, name))
		},
	}
}

func (s *Service) rootMemberLogins(ctx context.Context, groupID int64) ([]string, error) {
	return s.userUnixGroups(ctx, `
		SELECT u.unix_group FROM core_user u
		JOIN core_group_user gu ON gu.user_id = u.id
		WHERE gu.group_id = $1 AND u.unix_group IS NOT NULL
		ORDER BY u.id`, groupID)
}

// projectPosix queues the POSIX group and directory of a project. Members
// of the root group belong to the POSIX group.
func (s *Service) projectPosix() entity.Provider {
	return entity.ProviderFuncs{
		NoCompensation: true,
		Create: func(ctx context.Context, e *entity.Entity) error {
			group := e.String("unix_group")
			if group == "" {
				return nil
			}
			cmds := []posix.Command{
				posix.GroupAdd(group),
				posix.DirMake(e.String("project_dir"), "root", group, projectDirMode),
			}
			logins, err := s.rootMemberLogins(ctx, e.Int("root_group"))
			if err != nil {
				return err
			}
			for _, login := range logins {
				cmds = append(cmds, posix.GroupAddUser(group, login))
			}
			return posix.Enqueue(ctx, cmds...)
		},
		Update: func(ctx context.Context, e *entity.Entity) error {
			group := e.String("unix_group")
			if group == "" || !e.IsDirty("root_group") {
				return nil
			}
			previous, _ := e.Original("root_group").(int64)
			before, err := s.rootMemberLogins(ctx, previous)
			if err != nil {
				return err
			}
			after, err := s.rootMemberLogins(ctx, e.Int("root_group"))
			if err != nil {
				return err
			}
			keep := make(map[string]bool, len(after))
			for _, login := range after {
				keep[login] = true
			}
			had := make(map[string]bool, len(before))
			var cmds []posix.Command
			for _, login := range before {
				had[login] = true
				if !keep[login] {
					cmds = append(cmds, posix.GroupRemoveUser(group, login))
				}
			}
			for _, login := range after {
				if !had[login] {
					cmds = append(cmds, posix.GroupAddUser(group, login))
				}
			}
			return posix.Enqueue(ctx, cmds...)
		},
		Delete: func(ctx context.Context, e *entity.Entity) error {
			group := e.String("unix_group")
			if group == "" {
				return nil
			}
			return posix.Enqueue(ctx, posix.GroupRemove(group))
		},
	}
}

// accessibleBy lists projects the user reaches through the root group or a
// permission above no_access
const accessibleBy = `EXISTS (
	SELECT 1 FROM core_group_user gu
	WHERE gu.user_id = ? AND (gu.group_id = p.root_group_id OR EXISTS (
		SELECT 1 FROM core_project_permission pp
		JOIN core_access_level al ON al.id = pp.access_level_id
		WHERE pp.project_id = p.id AND pp.group_id = gu.group_id AND al.alias <> ?)))`

// Projects returns a reader over projects with the filters alias,
// root_group, q and user (projects visible to a non-superuser)
func (s *Service) Projects() *entity.Collection[*Project] {
	set := entity.NewSet(entity.SetConfig{
		DB:         s.db,
		Schema:     ProjectSchema,
		Alias:      "p",
		Providers:  s.projectProviders(),
		AliasField: "alias",
		Filters: map[string]entity.Filter{
			"alias":      entity.Equals("p.alias"),
			"root_group": entity.Equals("p.root_group_id"),
			"q":          entity.Search("p.alias", "p.name"),
			"user": func(q *entity.Query, v interface{}) {
				q.Where(accessibleBy, v, NoAccess)
			},
		},
		OrderBy: []string{"p.name", "p.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Project { return &Project{Entity: e, svc: s} })
}

// VisibleProjects returns the projects u may open
func (s *Service) VisibleProjects(u *User) (*entity.Collection[*Project], error) {
	if u.IsSuperuser() {
		return s.Projects(), nil
	}
	return s.Projects().Where("user", u.ID())
}

// NewProject returns an unsaved project
func (s *Service) NewProject(alias, name string) (*Project, error) {
	p := &Project{Entity: entity.New(ProjectSchema, s.projectProviders()...), svc: s}
	if err := p.Set("alias", alias); err != nil {
		return nil, err
	}
	if err := p.Set("name", name); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateProject saves a new project. Without a root group, a group named
// after the project and governed by governor is created first.
func (s *Service) CreateProject(ctx context.Context, p *Project, governor *User) error {
	if p.State() != entity.StateCreating {
		return errdefs.NotPermitted("project %s already exists", p.Alias())
	}
	return s.Atomic(ctx, func(ctx context.Context) error {
		if p.IsNull("root_group") {
			if governor == nil {
				return errdefs.FieldInvalid("root_group", "this field is required")
			}
			g, err := s.NewGroup(p.Name(), governor)
			if err != nil {
				return err
			}
			if err := g.Create(ctx); err != nil {
				return err
			}
			if err := p.Set("root_group", g.ID()); err != nil {
				return err
			}
		}
		return p.Create(ctx)
	})
}

// SaveProject updates a project
func (s *Service) SaveProject(ctx context.Context, p *Project) error {
	return s.Atomic(ctx, p.Save)
}

// DeleteProject removes a project with its permissions. The root group
// stays.
func (s *Service) DeleteProject(ctx context.Context, p *Project) error {
	return s.Atomic(ctx, p.Delete)
}
