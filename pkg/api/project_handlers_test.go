package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/imaging"
)

func TestProjectVisibility(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name     string
		user     int
		level    string
		governor bool
	}{
		{"root group governor", 0, access.Full, true},
		{"root group member", 10, access.Full, false},
		{"viewer", 4, access.DataView, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			token := e.userToken(t, c.user)
			rec := e.do(t, http.MethodGet, "/projects/", token, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			page := decode[listPage[ProjectView]](t, rec)
			require.Equal(t, 1, page.Count)
			assert.Equal(t, "proj", page.Results[0].Alias)

			rec = e.do(t, http.MethodGet, "/projects/proj/", token, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			v := decode[ProjectView](t, rec)
			assert.Equal(t, c.level, v.AccessLevel)
			assert.Equal(t, c.governor, v.IsUserGovernor)
			assert.Equal(t, e.f.Groups[4].ID(), v.RootGroup)

			rec = e.do(t, http.MethodGet, fmt.Sprintf("/projects/%d/", v.ID), token, nil)
			require.Equal(t, http.StatusOK, rec.Code)
		})
	}

	t.Run("no access overrides nothing else", func(t *testing.T) {
		token := e.userToken(t, 1)
		rec := e.do(t, http.MethodGet, "/projects/", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[listPage[ProjectView]](t, rec).Count)

		rec = e.do(t, http.MethodGet, "/projects/proj/", token, nil)
		requireError(t, rec, http.StatusNotFound, errdefs.CodeEntityNotFound)
	})

	t.Run("viewers cannot edit", func(t *testing.T) {
		rec := e.do(t, http.MethodPatch, "/projects/proj/", e.userToken(t, 4), map[string]string{"name": "Mine"})
		requireError(t, rec, http.StatusForbidden, errdefs.CodePermissionDenied)
	})
}

func TestProjectLifecycle(t *testing.T) {
	e := newTestEnv(t)
	admin := e.adminToken(t)
	manager := e.userToken(t, 0)

	t.Run("superuser only", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/projects/", manager, map[string]string{"alias": "hidden", "name": "Hidden"})
		requireError(t, rec, http.StatusForbidden, errdefs.CodePermissionDenied)
	})

	rec := e.do(t, http.MethodPost, "/projects/", admin, map[string]interface{}{
		"alias": "vision", "name": "Vision", "governor": e.f.Users[2].ID(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ProjectView](t, rec)
	assert.Equal(t, "vision", created.Alias)
	assert.Equal(t, access.Full, created.AccessLevel)

	rec = e.do(t, http.MethodGet, "/projects/vision/", e.userToken(t, 2), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[ProjectView](t, rec).IsUserGovernor)

	t.Run("missing name", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/projects/", admin, map[string]string{"alias": "nameless"})
		requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)
	})

	t.Run("duplicated alias", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/projects/", admin, map[string]string{"alias": "vision", "name": "Again"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("manager edits", func(t *testing.T) {
		rec := e.do(t, http.MethodPatch, "/projects/proj/", manager, map[string]string{"description": "Orientation maps"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "Orientation maps", decode[ProjectView](t, rec).Description)
	})

	t.Run("root group is left to superusers", func(t *testing.T) {
		rec := e.do(t, http.MethodPatch, "/projects/proj/", manager, map[string]int64{"root_group": e.f.Groups[3].ID()})
		requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)
	})

	rec = e.do(t, http.MethodDelete, "/projects/vision/", manager, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = e.do(t, http.MethodDelete, "/projects/vision/", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodGet, "/projects/vision/", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjectPermissions(t *testing.T) {
	e := newTestEnv(t)
	manager := e.userToken(t, 0)

	rec := e.do(t, http.MethodGet, "/projects/proj/permissions/", manager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	perms := decode[[]access.Permission](t, rec)
	require.Len(t, perms, 3)
	assert.True(t, perms[0].RootGroup)
	assert.Equal(t, e.f.Groups[4].ID(), perms[0].GroupID)
	assert.Equal(t, access.Full, perms[0].Level.Alias)

	t.Run("viewers cannot list", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/projects/proj/permissions/", e.userToken(t, 4), nil)
		requireError(t, rec, http.StatusForbidden, errdefs.CodePermissionDenied)
	})

	g3 := fmt.Sprintf("/projects/proj/permissions/%d/", e.f.Groups[3].ID())
	rec = e.do(t, http.MethodGet, g3, manager, nil)
	requireError(t, rec, http.StatusNotFound, errdefs.CodeEntityNotFound)

	rec = e.do(t, http.MethodPut, g3, manager, PermissionRequest{AccessLevel: access.DataAdd})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, access.DataAdd, decode[access.Permission](t, rec).Level.Alias)

	rec = e.do(t, http.MethodGet, g3, manager, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, access.DataAdd, decode[access.AccessLevel](t, rec).Alias)

	rec = e.do(t, http.MethodGet, "/projects/proj/", e.userToken(t, 5), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, access.DataAdd, decode[ProjectView](t, rec).AccessLevel)

	t.Run("root group", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/projects/proj/permissions/", manager,
			PermissionRequest{GroupID: e.f.Groups[4].ID(), AccessLevel: access.DataView})
		requireError(t, rec, http.StatusForbidden, errdefs.CodeOperationNotPermitted)
	})

	t.Run("unknown level", func(t *testing.T) {
		rec := e.do(t, http.MethodPut, g3, manager, PermissionRequest{AccessLevel: "root"})
		requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)
	})

	t.Run("missing group", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/projects/proj/permissions/", manager, PermissionRequest{AccessLevel: access.DataView})
		requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)
	})

	rec = e.do(t, http.MethodDelete, g3, manager, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = e.do(t, http.MethodGet, "/projects/proj/", e.userToken(t, 5), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAppPermissions(t *testing.T) {
	e := newTestEnv(t)
	manager := e.userToken(t, 0)
	app := e.module(t, imaging.ImagingClass)
	base := fmt.Sprintf("/projects/proj/apps/%s/permissions/", app.UUID())

	rec := e.do(t, http.MethodPost, base, manager,
		PermissionRequest{GroupID: e.f.Groups[2].ID(), AccessLevel: access.AppAdd})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, fmt.Sprintf("%s%d/", base, e.f.Groups[2].ID()), manager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, access.AppAdd, decode[access.AccessLevel](t, rec).Alias)

	t.Run("project levels do not apply", func(t *testing.T) {
		rec := e.do(t, http.MethodPut, fmt.Sprintf("%s%d/", base, e.f.Groups[2].ID()), manager,
			PermissionRequest{AccessLevel: access.DataFull})
		requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)
	})

	t.Run("not an application", func(t *testing.T) {
		std := e.module(t, imaging.PinwheelsClass)
		rec := e.do(t, http.MethodGet, fmt.Sprintf("/projects/proj/apps/%s/permissions/", std.UUID()), manager, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
