package access_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/access/accesstest"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

func logins(t *testing.T, users *entity.Collection[*access.User]) []string {
	t.Helper()
	all, err := users.All(context.Background())
	require.NoError(t, err)
	out := make([]string, len(all))
	for i, u := range all {
		out[i] = u.Login()
	}
	return out
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	f := accesstest.NewBuilder().Users(3).Build(t)
	svc := f.Service

	t.Run("reload", func(t *testing.T) {
		got, err := svc.Users().GetByAlias(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, f.Users[1].ID(), got.ID())
		assert.Equal(t, "Name1 Surname01", got.FullName())
		assert.False(t, got.IsSuperuser())
		assert.True(t, got.IsNull("email"))
	})

	t.Run("login rules", func(t *testing.T) {
		_, err := svc.NewUser("no spaces")
		assert.True(t, errdefs.IsInvalid(err))

		u, err := svc.NewUser("user0")
		require.NoError(t, err)
		assert.True(t, errdefs.IsDuplicated(svc.SaveUser(ctx, u)))
	})

	t.Run("empty e-mail is stored as null", func(t *testing.T) {
		for _, name := range []string{"mail_a", "mail_b"} {
			u, err := svc.NewUser(name)
			require.NoError(t, err)
			require.NoError(t, u.Set("email", ""))
			require.NoError(t, svc.SaveUser(ctx, u))
			assert.True(t, u.IsNull("email"))
		}
	})

	t.Run("password", func(t *testing.T) {
		u := f.Users[2]
		require.NoError(t, u.SetPassword("s3cret"))
		require.NoError(t, svc.SaveUser(ctx, u))

		got, err := svc.Users().Get(ctx, u.ID())
		require.NoError(t, err)
		assert.NoError(t, got.CheckPassword("s3cret"))
		assert.Error(t, got.CheckPassword("wrong"))

		otp, err := got.GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, otp, access.OneTimePasswordLength)
		assert.NoError(t, got.CheckPassword(otp))
	})

	t.Run("filters", func(t *testing.T) {
		users, err := svc.Users().Where("q", "SURNAME0")
		require.NoError(t, err)
		assert.Equal(t, []string{"user0", "user1", "user2"}, logins(t, users))

		users, err = svc.Users().Where("login", "user1")
		require.NoError(t, err)
		assert.Equal(t, []string{"user1"}, logins(t, users))
	})

	t.Run("read-only fields", func(t *testing.T) {
		err := f.Users[0].Set("is_support", true)
		assert.True(t, errdefs.IsInvalid(err))
		err = f.Users[0].Set("unix_group", "root")
		assert.True(t, errdefs.IsInvalid(err))
	})
}

func TestSupportUser(t *testing.T) {
	ctx := context.Background()
	f := accesstest.NewBuilder().Build(t)

	first, err := f.Service.EnsureSupport(ctx)
	require.NoError(t, err)
	assert.Equal(t, access.SupportLogin, first.Login())
	assert.True(t, first.IsSupport())
	assert.True(t, first.IsSuperuser())

	second, err := f.Service.EnsureSupport(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())

	supports, err := f.Service.Users().Where("is_support", true)
	require.NoError(t, err)
	n, err := supports.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.Service.DeleteUser(ctx, second)
	assert.True(t, errdefs.IsNotPermitted(err))
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	f := accesstest.Standard().Build(t)
	svc := f.Service
	g2 := f.Groups[2]

	t.Run("members", func(t *testing.T) {
		assert.Equal(t, []string{"user0", "user4", "user8", "user12", "user16"}, logins(t, g2.Users()))

		governor, err := g2.Governor(ctx)
		require.NoError(t, err)
		assert.Equal(t, "user0", governor.Login())
	})

	t.Run("exactly one governor", func(t *testing.T) {
		ms, err := svc.Memberships().Where("group", g2.ID())
		require.NoError(t, err)
		ms, err = ms.Where("is_governor", true)
		require.NoError(t, err)
		n, err := ms.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("duplicate membership", func(t *testing.T) {
		err := svc.AddUser(ctx, g2, f.Users[4])
		assert.True(t, errdefs.IsDuplicated(err))
	})

	t.Run("governor cannot be removed", func(t *testing.T) {
		err := svc.RemoveUser(ctx, g2, f.Users[0])
		assert.True(t, errdefs.IsNotPermitted(err))
	})

	t.Run("remove and add", func(t *testing.T) {
		require.NoError(t, svc.RemoveUser(ctx, g2, f.Users[16]))
		assert.True(t, errdefs.IsNotFound(svc.RemoveUser(ctx, g2, f.Users[16])))
		require.NoError(t, svc.AddUser(ctx, g2, f.Users[3]))
		assert.Equal(t, []string{"user0", "user3", "user4", "user8", "user12"}, logins(t, g2.Users()))
	})

	t.Run("hand over", func(t *testing.T) {
		require.NoError(t, svc.SetGovernor(ctx, g2, f.Users[7]))

		governor, err := g2.Governor(ctx)
		require.NoError(t, err)
		assert.Equal(t, "user7", governor.Login())
		// the old governor stays a plain member
		require.NoError(t, svc.RemoveUser(ctx, g2, f.Users[0]))
	})

	t.Run("create requires a governor", func(t *testing.T) {
		g, err := svc.NewGroup("orphans", nil)
		require.NoError(t, err)
		assert.True(t, errdefs.IsInvalid(svc.SaveGroup(ctx, g)))

		groups, err := svc.Groups().Where("name", "orphans")
		require.NoError(t, err)
		n, err := groups.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("groups of a user", func(t *testing.T) {
		groups, err := svc.Groups().Where("user", f.Users[10].ID())
		require.NoError(t, err)
		all, err := groups.All(ctx)
		require.NoError(t, err)
		var names []string
		for _, g := range all {
			names = append(names, g.Name())
		}
		assert.Equal(t, []string{"g0", "g1", "g3", "g4"}, names)
	})
}

func TestDeleteRules(t *testing.T) {
	ctx := context.Background()
	f := accesstest.NewBuilder().
		Users(3).
		Group("root", 0, func(i int) bool { return i == 1 }).
		Group("side", 1, func(i int) bool { return true }).
		Project("P", 0).
		Build(t)
	svc := f.Service

	t.Run("root group stays", func(t *testing.T) {
		err := svc.DeleteGroup(ctx, f.Groups[0])
		assert.True(t, errdefs.IsNotPermitted(err))
	})

	t.Run("governor of a root group stays", func(t *testing.T) {
		err := svc.DeleteUser(ctx, f.Users[0])
		assert.True(t, errdefs.IsNotPermitted(err))
		_, err = svc.Users().Get(ctx, f.Users[0].ID())
		assert.NoError(t, err)
	})

	t.Run("governed groups go with their governor", func(t *testing.T) {
		require.NoError(t, svc.DeleteUser(ctx, f.Users[1]))

		_, err := svc.Users().Get(ctx, f.Users[1].ID())
		assert.True(t, errdefs.IsNotFound(err))
		_, err = svc.Groups().Get(ctx, f.Groups[1].ID())
		assert.True(t, errdefs.IsNotFound(err))
		assert.Equal(t, []string{"user0"}, logins(t, f.Groups[0].Users()))
	})

	t.Run("project delete keeps the root group", func(t *testing.T) {
		require.NoError(t, svc.DeleteProject(ctx, f.Projects["P"]))
		_, err := svc.Groups().Get(ctx, f.Groups[0].ID())
		require.NoError(t, err)
		require.NoError(t, svc.DeleteGroup(ctx, f.Groups[0]))
	})
}

func TestProjects(t *testing.T) {
	ctx := context.Background()
	f := accesstest.Standard().Project("P", 4).Build(t)
	svc := f.Service

	t.Run("lookup by alias", func(t *testing.T) {
		p, err := svc.Projects().GetByAlias(ctx, "P")
		require.NoError(t, err)
		assert.Equal(t, f.Groups[4].ID(), p.RootGroupID())

		_, err = svc.Projects().GetByAlias(ctx, "p")
		assert.True(t, errdefs.IsNotFound(err), "aliases are case-sensitive")
	})

	t.Run("duplicate alias", func(t *testing.T) {
		p, err := svc.NewProject("P", "Another")
		require.NoError(t, err)
		require.NoError(t, p.Set("root_group", f.Groups[1].ID()))
		assert.True(t, errdefs.IsDuplicated(svc.CreateProject(ctx, p, nil)))
	})

	t.Run("root group created for the governor", func(t *testing.T) {
		p, err := svc.NewProject("fresh", "Fresh project")
		require.NoError(t, err)
		require.NoError(t, svc.CreateProject(ctx, p, f.Users[7]))

		root, err := p.RootGroup(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Fresh project", root.Name())
		governor, err := root.Governor(ctx)
		require.NoError(t, err)
		assert.Equal(t, "user7", governor.Login())

		lvl, _, err := svc.ProjectLevel(ctx, f.Users[7], p)
		require.NoError(t, err)
		assert.Equal(t, access.Full, lvl.Alias)
	})

	t.Run("root group required", func(t *testing.T) {
		p, err := svc.NewProject("bare", "Bare")
		require.NoError(t, err)
		assert.True(t, errdefs.IsInvalid(svc.CreateProject(ctx, p, nil)))
	})
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	f := accesstest.Standard().Project("P", 4).Build(t)
	perms := f.Projects["P"].Permissions()

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, perms.Set(ctx, f.Groups[2].ID(), access.DataProcess))
		require.NoError(t, perms.Set(ctx, f.Groups[2].ID(), access.DataProcess))
		lvl, err := perms.Get(ctx, f.Groups[2].ID())
		require.NoError(t, err)
		assert.Equal(t, access.DataProcess, lvl.Alias)

		require.NoError(t, perms.Set(ctx, f.Groups[2].ID(), access.DataFull))
		lvl, err = perms.Get(ctx, f.Groups[2].ID())
		require.NoError(t, err)
		assert.Equal(t, access.DataFull, lvl.Alias)
	})

	t.Run("one row per group", func(t *testing.T) {
		var n int
		require.NoError(t, f.DB.QueryRow(`SELECT COUNT(*) FROM core_project_permission WHERE group_id = $1`, f.Groups[2].ID()).Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("root group row is implicit", func(t *testing.T) {
		root := f.Groups[4].ID()
		lvl, err := perms.Get(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, access.Full, lvl.Alias)
		assert.True(t, errdefs.IsNotPermitted(perms.Set(ctx, root, access.DataView)))
		assert.True(t, errdefs.IsNotPermitted(perms.Delete(ctx, root)))
	})

	t.Run("listing", func(t *testing.T) {
		require.NoError(t, perms.Set(ctx, f.Groups[0].ID(), access.NoAccess))
		all, err := perms.All(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, access.Permission{GroupID: f.Groups[4].ID(), GroupName: "g4", Level: all[0].Level, RootGroup: true}, all[0])
		assert.Equal(t, "g0", all[1].GroupName)
		assert.Equal(t, access.NoAccess, all[1].Level.Alias)
		assert.Equal(t, "g2", all[2].GroupName)
	})

	t.Run("unknown level", func(t *testing.T) {
		err := perms.Set(ctx, f.Groups[1].ID(), access.AppUsage)
		assert.True(t, errdefs.IsInvalid(err))
	})

	t.Run("unknown group", func(t *testing.T) {
		err := perms.Set(ctx, 9999, access.DataView)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, perms.Delete(ctx, f.Groups[2].ID()))
		_, err := perms.Get(ctx, f.Groups[2].ID())
		assert.True(t, errdefs.IsNotFound(err))
		assert.True(t, errdefs.IsNotFound(perms.Delete(ctx, f.Groups[2].ID())))
	})
}

func TestLevels(t *testing.T) {
	ctx := context.Background()
	f := accesstest.NewBuilder().Build(t)
	levels := f.Service.Levels()

	prj, err := levels.All(ctx, access.ProjectLevels)
	require.NoError(t, err)
	var aliases []string
	for _, l := range prj {
		aliases = append(aliases, l.Alias)
	}
	assert.Equal(t, []string{"no_access", "data_view", "data_process", "data_add", "data_full", "full"}, aliases)

	app, err := levels.All(ctx, access.AppLevels)
	require.NoError(t, err)
	assert.Len(t, app, 4)

	// seeding twice keeps one row per level
	require.NoError(t, levels.Seed(ctx))
	var n int
	require.NoError(t, f.DB.QueryRow(`SELECT COUNT(*) FROM core_access_level`).Scan(&n))
	assert.Equal(t, 10, n)

	for alias, want := range map[string]string{
		access.NoAccess: access.NoAccess, access.DataView: access.AppUsage,
		access.DataProcess: access.AppAdd, access.Full: access.AppAdd,
	} {
		lvl, err := levels.ByAlias(ctx, access.ProjectLevels, alias)
		require.NoError(t, err)
		projected, err := levels.Project(ctx, lvl)
		require.NoError(t, err)
		assert.Equal(t, want, projected.Alias, alias)
	}

	_, err = levels.All(ctx, "xyz")
	assert.True(t, errdefs.IsInvalid(err))
}
