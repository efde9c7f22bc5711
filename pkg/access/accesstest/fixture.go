// Package accesstest builds populated access databases for tests.
//
// A Builder describes users, groups, projects and grants; Build creates
// them in a fresh in-memory database and returns a Fixture. Fixtures are
// not shared between tests: call Clone before handing one to a subtest
// that reslices or reassigns its fields.
package accesstest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/storage/storagetest"
)

// Fixture is the result of Build
type Fixture struct {
	DB         *sql.DB
	Service    *access.Service
	Transactor *posix.Transactor
	Users      []*access.User
	Groups     []*access.Group
	Projects   map[string]*access.Project
}

// Clone returns a shallow copy with its own slices and map
func (f *Fixture) Clone() *Fixture {
	c := *f
	c.Users = append([]*access.User(nil), f.Users...)
	c.Groups = append([]*access.Group(nil), f.Groups...)
	c.Projects = make(map[string]*access.Project, len(f.Projects))
	for k, v := range f.Projects {
		c.Projects[k] = v
	}
	return &c
}

type groupSpec struct {
	name     string
	governor int
	member   func(i int) bool
}

type projectSpec struct {
	alias string
	root  int
}

type grantSpec struct {
	project string
	group   int
	level   string
}

// Builder describes the content of a fixture
type Builder struct {
	profile    config.Profile
	executor   *posix.Executor
	users      int
	groups     []groupSpec
	projects   []projectSpec
	grants     []grantSpec
	migrations [][]storage.Migration
}

// NewBuilder starts an empty virtual_server fixture
func NewBuilder() *Builder {
	return &Builder{profile: config.Profile{Name: config.VirtualServer}}
}

// Standard describes 20 users and five groups: g0 holds everybody, g1 the
// even users, g2 every 4th, g3 every 5th and g4 every 10th user. user0
// governs every group.
func Standard() *Builder {
	b := NewBuilder().Users(20)
	for i, step := range []int{1, 2, 4, 5, 10} {
		step := step
		b.Group(fmt.Sprintf("g%d", i), 0, func(u int) bool { return u%step == 0 })
	}
	return b
}

// Profile switches the configuration profile. executor runs inline
// commands and may be nil for other modes.
func (b *Builder) Profile(p config.Profile, executor *posix.Executor) *Builder {
	b.profile = p
	b.executor = executor
	return b
}

// Users adds n users named user0, user1, ...
func (b *Builder) Users(n int) *Builder {
	b.users = n
	return b
}

// Group adds a group governed by the user with the given index; member
// selects the other members by index
func (b *Builder) Group(name string, governor int, member func(i int) bool) *Builder {
	b.groups = append(b.groups, groupSpec{name: name, governor: governor, member: member})
	return b
}

// Project adds a project whose root group is the group with the given index
func (b *Builder) Project(alias string, rootGroup int) *Builder {
	b.projects = append(b.projects, projectSpec{alias: alias, root: rootGroup})
	return b
}

// Grant gives a group a project level
func (b *Builder) Grant(project string, group int, level string) *Builder {
	b.grants = append(b.grants, grantSpec{project: project, group: group, level: level})
	return b
}

// Migrations adds migration sets applied after the core schema
func (b *Builder) Migrations(sets ...[]storage.Migration) *Builder {
	b.migrations = append(b.migrations, sets...)
	return b
}

// Build creates the described content in a new database
func (b *Builder) Build(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()

	db := storagetest.NewDB(t, b.migrations...)
	tx := posix.NewTransactor(db, b.profile.PosixMode(), b.executor)
	svc := access.NewService(db, tx, b.profile, nil)
	require.NoError(t, svc.Levels().Seed(ctx))

	f := &Fixture{DB: db, Service: svc, Transactor: tx, Projects: map[string]*access.Project{}}
	for i := 0; i < b.users; i++ {
		u, err := svc.NewUser(fmt.Sprintf("user%d", i))
		require.NoError(t, err)
		require.NoError(t, u.Set("name", fmt.Sprintf("Name%d", i)))
		require.NoError(t, u.Set("surname", fmt.Sprintf("Surname%02d", i)))
		require.NoError(t, svc.SaveUser(ctx, u))
		f.Users = append(f.Users, u)
	}

	for _, spec := range b.groups {
		g, err := svc.NewGroup(spec.name, f.Users[spec.governor])
		require.NoError(t, err)
		require.NoError(t, svc.SaveGroup(ctx, g))
		for i, u := range f.Users {
			if i != spec.governor && spec.member(i) {
				require.NoError(t, svc.AddUser(ctx, g, u))
			}
		}
		f.Groups = append(f.Groups, g)
	}

	for _, spec := range b.projects {
		p, err := svc.NewProject(spec.alias, "Project "+spec.alias)
		require.NoError(t, err)
		require.NoError(t, p.Set("root_group", f.Groups[spec.root].ID()))
		require.NoError(t, svc.CreateProject(ctx, p, nil))
		f.Projects[spec.alias] = p
	}

	for _, g := range b.grants {
		require.NoError(t, f.Projects[g.project].Permissions().Set(ctx, f.Groups[g.group].ID(), g.level))
	}
	return f
}
