package access_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/access/accesstest"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

// precedence is the standard layout with project P rooted at g4,
// (g2, data_view) and (g0, no_access)
func precedence(t *testing.T) *accesstest.Fixture {
	t.Helper()
	return accesstest.Standard().
		Project("P", 4).
		Grant("P", 2, access.DataView).
		Grant("P", 0, access.NoAccess).
		Build(t)
}

func TestProjectLevel_Precedence(t *testing.T) {
	ctx := context.Background()
	f := precedence(t)
	p := f.Projects["P"]

	tests := []struct {
		user   int
		level  string
		reason string
	}{
		{0, access.Full, "root group member"},
		{10, access.Full, "root group member"},
		{4, access.DataView, "granted to a group of the user"},
		{8, access.DataView, "granted to a group of the user"},
		{1, access.NoAccess, "granted to a group of the user"},
		{5, access.NoAccess, "granted to a group of the user"},
	}
	for _, tt := range tests {
		lvl, reason, err := f.Service.ProjectLevel(ctx, f.Users[tt.user], p)
		require.NoError(t, err)
		assert.Equal(t, tt.level, lvl.Alias, "user%d", tt.user)
		assert.Equal(t, tt.reason, reason, "user%d", tt.user)
	}

	t.Run("superuser", func(t *testing.T) {
		u := f.Users[3]
		require.NoError(t, u.Set("is_superuser", true))
		require.NoError(t, f.Service.SaveUser(ctx, u))

		lvl, reason, err := f.Service.ProjectLevel(ctx, u, p)
		require.NoError(t, err)
		assert.Equal(t, access.Full, lvl.Alias)
		assert.Equal(t, "superuser", reason)
	})
}

func TestProjectLevel_NoGrant(t *testing.T) {
	ctx := context.Background()
	f := accesstest.Standard().Project("P", 4).Build(t)

	lvl, reason, err := f.Service.ProjectLevel(ctx, f.Users[1], f.Projects["P"])
	require.NoError(t, err)
	assert.Equal(t, access.NoAccess, lvl.Alias)
	assert.Equal(t, "no permission granted", reason)
}

func TestCheckProject(t *testing.T) {
	ctx := context.Background()
	f := precedence(t)
	p := f.Projects["P"]

	res, err := f.Service.CheckProject(ctx, f.Users[4], p, access.DataView)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.Service.CheckProject(ctx, f.Users[4], p, access.DataAdd)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, access.DataView, res.Level.Alias)

	_, err = f.Service.RequireProject(ctx, f.Users[1], p, access.DataView)
	assert.True(t, errdefs.IsForbidden(err))

	lvl, err := f.Service.RequireProject(ctx, f.Users[0], p, access.Full)
	require.NoError(t, err)
	assert.Equal(t, access.Full, lvl.Alias)

	_, err = f.Service.CheckProject(ctx, f.Users[0], p, "nonsense")
	assert.True(t, errdefs.IsNotFound(err))
}

func installApp(t *testing.T, f *accesstest.Fixture) int64 {
	t.Helper()
	var id int64
	err := f.DB.QueryRow(`INSERT INTO core_module (uuid, alias, name, app_class, user_settings, is_application)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		"0b0c7b4e-6a2c-4d0c-9f73-1d1b1f5d2a10", "imaging", "Imaging", "projects.imaging", "{}", true).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestAppLevel(t *testing.T) {
	ctx := context.Background()
	f := precedence(t)
	p := f.Projects["P"]
	app := installApp(t, f)

	t.Run("no app grant means no access", func(t *testing.T) {
		lvl, reason, err := f.Service.AppLevel(ctx, f.Users[4], p, app)
		require.NoError(t, err)
		assert.Equal(t, access.NoAccess, lvl.Alias)
		assert.Equal(t, "no application permission granted", reason)

		res, err := f.Service.CheckApp(ctx, f.Users[4], p, app, access.AppUsage)
		require.NoError(t, err)
		assert.False(t, res.Allowed)

		lvl, _, err = f.Service.AppLevel(ctx, f.Users[1], p, app)
		require.NoError(t, err)
		assert.Equal(t, access.NoAccess, lvl.Alias)

		lvl, _, err = f.Service.AppLevel(ctx, f.Users[0], p, app)
		require.NoError(t, err)
		assert.Equal(t, access.AppAdd, lvl.Alias)
	})

	t.Run("app grant is capped by the projection", func(t *testing.T) {
		require.NoError(t, p.AppPermissions(app).Set(ctx, f.Groups[2].ID(), access.AppAdd))

		lvl, reason, err := f.Service.AppLevel(ctx, f.Users[4], p, app)
		require.NoError(t, err)
		assert.Equal(t, access.AppUsage, lvl.Alias)
		assert.Equal(t, "projected from the project level", reason)
	})

	t.Run("app grant lowers the projection", func(t *testing.T) {
		require.NoError(t, p.AppPermissions(app).Set(ctx, f.Groups[2].ID(), access.NoAccess))

		lvl, reason, err := f.Service.AppLevel(ctx, f.Users[4], p, app)
		require.NoError(t, err)
		assert.Equal(t, access.NoAccess, lvl.Alias)
		assert.Equal(t, "restricted by an application grant", reason)

		res, err := f.Service.CheckApp(ctx, f.Users[4], p, app, access.AppUsage)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})

	t.Run("root group is not restricted", func(t *testing.T) {
		_, err := f.Service.RequireApp(ctx, f.Users[0], p, app, access.AppAdd)
		assert.NoError(t, err)
	})
}

func TestVisibleProjects(t *testing.T) {
	ctx := context.Background()
	f := accesstest.Standard().
		Project("P", 4).
		Project("Q", 3).
		Grant("P", 2, access.DataView).
		Grant("P", 0, access.NoAccess).
		Build(t)

	aliases := func(u *access.User) []string {
		projects, err := f.Service.VisibleProjects(u)
		require.NoError(t, err)
		all, err := projects.All(ctx)
		require.NoError(t, err)
		out := make([]string, len(all))
		for i, p := range all {
			out[i] = p.Alias()
		}
		return out
	}

	assert.Equal(t, []string{"P", "Q"}, aliases(f.Users[0]))
	assert.Equal(t, []string{"P"}, aliases(f.Users[4]))
	assert.Equal(t, []string{"Q"}, aliases(f.Users[5]))
	assert.Empty(t, aliases(f.Users[1]))

	u := f.Users[1]
	require.NoError(t, u.Set("is_superuser", true))
	require.NoError(t, f.Service.SaveUser(ctx, u))
	assert.Equal(t, []string{"P", "Q"}, aliases(u))
}
