package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

func aliases(views []ModuleView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Alias)
	}
	return out
}

func TestListModules(t *testing.T) {
	e := newTestEnv(t)
	admin := e.adminToken(t)

	rec := e.do(t, http.MethodGet, "/settings/?page_size=100", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[listPage[ModuleView]](t, rec)
	assert.Equal(t, len(page.Results), page.Count)
	assert.Equal(t, "core", page.Results[0].Alias)
	assert.Subset(t, aliases(page.Results), []string{"standard", "auto", "imaging", "roi", "pinwheels", "ihna_employees"})

	rec = e.do(t, http.MethodGet, "/settings/?is_application=true&page_size=100", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	apps := decode[listPage[ModuleView]](t, rec)
	assert.Contains(t, aliases(apps.Results), "imaging")
	for _, m := range apps.Results {
		assert.True(t, m.IsApplication, m.Alias)
	}

	t.Run("light pages", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/settings/?profile=light", admin, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		light := decode[listPage[ModuleView]](t, rec)
		assert.Equal(t, page.Count, light.Count)
		assert.Len(t, light.Results, 6)
	})
}

func TestUpdateModule(t *testing.T) {
	e := newTestEnv(t)
	admin := e.adminToken(t)
	m := e.module(t, authorization.IhnaClass)
	path := fmt.Sprintf("/settings/%s/", m.UUID())

	rec := e.do(t, http.MethodGet, path, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, authorization.IhnaClass, decode[ModuleView](t, rec).Class)

	enabled := true
	rec = e.do(t, http.MethodPatch, path, admin, ModuleUpdate{IsEnabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[ModuleView](t, rec).IsEnabled)

	enabled = false
	rec = e.do(t, http.MethodPatch, path, admin, ModuleUpdate{IsEnabled: &enabled})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[ModuleView](t, rec).IsEnabled)

	t.Run("root module stays enabled", func(t *testing.T) {
		root := e.module(t, modules.CoreClass)
		rec := e.do(t, http.MethodPatch, fmt.Sprintf("/settings/%s/", root.UUID()), admin, ModuleUpdate{IsEnabled: &enabled})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown module", func(t *testing.T) {
		rec := e.do(t, http.MethodGet, "/settings/00000000-0000-0000-0000-000000000000/", admin, nil)
		requireError(t, rec, http.StatusNotFound, errdefs.CodeEntityNotFound)
	})

	t.Run("settings", func(t *testing.T) {
		emp := e.module(t, synchronization.EmployeesClass)
		path := fmt.Sprintf("/settings/%s/", emp.UUID())
		rec := e.do(t, http.MethodPatch, path, admin, ModuleUpdate{
			Settings: json.RawMessage(`{"url":"https://ihna.example.com/api","page_length":20}`),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var settings map[string]interface{}
		require.NoError(t, json.Unmarshal(decode[ModuleView](t, rec).Settings, &settings))
		assert.Equal(t, "https://ihna.example.com/api", settings["url"])
		assert.EqualValues(t, 20, settings["page_length"])
	})
}

func TestEntryPoints(t *testing.T) {
	e := newTestEnv(t)
	admin := e.adminToken(t)
	core := e.module(t, modules.CoreClass)

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/settings/%s/entry-points/", core.UUID()), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	eps := decode[[]EntryPointView](t, rec)
	var projects *EntryPointView
	for i := range eps {
		assert.Equal(t, core.ID(), eps[i].Module)
		if eps[i].Alias == "projects" {
			projects = &eps[i]
		}
	}
	require.NotNil(t, projects)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/entry-points/%d/modules/", projects.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"imaging"}, aliases(decode[[]ModuleView](t, rec)))

	imagingApp := e.module(t, imaging.ImagingClass)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/settings/%s/entry-points/", imagingApp.UUID()), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	processors := decode[[]EntryPointView](t, rec)
	require.Len(t, processors, 1)
	assert.Equal(t, "processors", processors[0].Alias)
}

func TestAccessLevels(t *testing.T) {
	e := newTestEnv(t)
	token := e.userToken(t, 1)

	rec := e.do(t, http.MethodGet, "/access-levels/", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	levels := decode[[]access.AccessLevel](t, rec)
	require.Len(t, levels, 6)
	assert.Equal(t, access.NoAccess, levels[0].Alias)
	assert.Equal(t, access.Full, levels[5].Alias)

	rec = e.do(t, http.MethodGet, "/access-levels/?type=app", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]access.AccessLevel](t, rec), 3)

	rec = e.do(t, http.MethodGet, "/access-levels/?type=root", token, nil)
	requireError(t, rec, http.StatusBadRequest, errdefs.CodeEntityFieldInvalid)

	rec = e.do(t, http.MethodGet, "/access-levels/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
