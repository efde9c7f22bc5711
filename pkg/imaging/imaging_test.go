package imaging_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/access/accesstest"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/storage/storagetest"
)

type env struct {
	f        *accesstest.Fixture
	registry *modules.Registry
	svc      *imaging.Service
	project  *access.Project
}

// newEnv builds project "proj" whose root group g0 holds user0 and user1;
// user2 belongs to no group
func newEnv(t *testing.T) *env {
	t.Helper()
	f := accesstest.NewBuilder().Users(3).
		Group("g0", 0, func(i int) bool { return i == 1 }).
		Project("proj", 0).
		Migrations(imaging.Migrations()).
		Build(t)
	registry := modules.NewRegistry(f.DB, f.Service.Profile(), time.Minute)
	require.NoError(t, registry.Register(append([]modules.App{modules.Core()}, imaging.Apps()...)...))
	require.NoError(t, registry.Install(context.Background()))
	return &env{
		f:        f,
		registry: registry,
		svc:      imaging.NewService(f.DB, storagetest.NewBlobStore(t), f.Service, registry),
		project:  f.Projects["proj"],
	}
}

// newMap creates a width x height um map with a rows x cols float array
func (e *env) newMap(t *testing.T, alias string, rows, cols int, width, height float64) *imaging.Map {
	t.Helper()
	ctx := context.Background()
	m, err := e.svc.NewMap(e.project, alias, imaging.Orientation, width, height)
	require.NoError(t, err)
	require.NoError(t, e.svc.SaveMap(ctx, m))
	values := make([]float64, rows*cols)
	for i := range values {
		values[i] = float64(i)
	}
	require.NoError(t, e.svc.Upload(ctx, m, imaging.NewFloatArray(rows, cols, values).Bytes()))
	return m
}

func (e *env) pinwheel(t *testing.T, m *imaging.Map, x, y int) {
	t.Helper()
	pw, err := e.svc.NewPinwheel(m, x, y)
	require.NoError(t, err)
	require.NoError(t, e.svc.SavePinwheel(context.Background(), pw))
}

func (e *env) setEnabled(t *testing.T, class string, on bool) {
	t.Helper()
	ctx := context.Background()
	m, err := e.registry.ModuleByClass(ctx, class)
	require.NoError(t, err)
	if on {
		require.NoError(t, e.registry.Enable(ctx, m.UUID()))
	} else {
		require.NoError(t, e.registry.Disable(ctx, m.UUID()))
	}
}

func TestModuleTree(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	apps, err := e.registry.Enabled(ctx, modules.Projects)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "imaging", apps[0].Alias())
	assert.True(t, apps[0].IsApplication())

	processors, err := e.registry.Enabled(ctx, imaging.Processors)
	require.NoError(t, err)
	var aliases []string
	for _, p := range processors {
		aliases = append(aliases, p.Alias())
	}
	assert.ElementsMatch(t, []string{"roi", "pinwheels"}, aliases)
}

func TestMaps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	t.Run("upload computes the resolution", func(t *testing.T) {
		m := e.newMap(t, "c022_X210", 4, 6, 600, 400)
		got, err := e.svc.Maps(e.project).GetByAlias(ctx, "c022_X210")
		require.NoError(t, err)
		assert.Equal(t, 6, got.ResolutionX())
		assert.Equal(t, 4, got.ResolutionY())
		assert.Equal(t, imaging.DataKey("proj", "c022_X210"), got.DataKey())

		rc, err := e.svc.Open(ctx, got)
		require.NoError(t, err)
		defer rc.Close()
		a, err := imaging.DecodeNPY(rc)
		require.NoError(t, err)
		assert.Equal(t, 23.0, a.Float(3, 5))
		assert.Equal(t, m.ID(), got.ID())
	})

	t.Run("resolution is read-only", func(t *testing.T) {
		m, err := e.svc.Maps(e.project).GetByAlias(ctx, "c022_X210")
		require.NoError(t, err)
		assert.True(t, errdefs.IsInvalid(m.Set("resolution_x", 10)))
	})

	t.Run("invalid fields", func(t *testing.T) {
		_, err := e.svc.NewMap(e.project, "m1", "retinotopy", 1, 1)
		assert.True(t, errdefs.IsInvalid(err))
		_, err = e.svc.NewMap(e.project, "m1", imaging.Direction, 0, 1)
		assert.True(t, errdefs.IsInvalid(err))
		_, err = e.svc.NewMap(e.project, "bad alias!", imaging.Direction, 1, 1)
		assert.True(t, errdefs.IsInvalid(err))
	})

	t.Run("alias is unique per project", func(t *testing.T) {
		m, err := e.svc.NewMap(e.project, "c022_X210", imaging.Direction, 1, 1)
		require.NoError(t, err)
		assert.True(t, errdefs.IsDuplicated(e.svc.SaveMap(ctx, m)))
	})

	t.Run("rejected upload leaves the map untouched", func(t *testing.T) {
		m, err := e.svc.Maps(e.project).GetByAlias(ctx, "c022_X210")
		require.NoError(t, err)
		err = e.svc.Upload(ctx, m, []byte("not numpy"))
		assert.Equal(t, errdefs.CodeFileUploadError, errdefs.Code(err))
		again, err := e.svc.Maps(e.project).GetByAlias(ctx, "c022_X210")
		require.NoError(t, err)
		assert.Equal(t, 6, again.ResolutionX())
	})

	t.Run("map without data", func(t *testing.T) {
		m, err := e.svc.NewMap(e.project, "empty", imaging.Orientation, 1, 1)
		require.NoError(t, err)
		require.NoError(t, e.svc.SaveMap(ctx, m))
		_, err = e.svc.Open(ctx, m)
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("delete", func(t *testing.T) {
		m := e.newMap(t, "doomed", 2, 2, 1, 1)
		e.pinwheel(t, m, 0, 0)
		require.NoError(t, e.svc.DeleteMap(ctx, m))
		_, err := e.svc.Maps(e.project).GetByAlias(ctx, "doomed")
		assert.True(t, errdefs.IsNotFound(err))
		n, err := e.svc.Pinwheels(m).Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDistanceMap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.newMap(t, "c022_X210", 4, 6, 600, 400)

	t.Run("no pinwheels", func(t *testing.T) {
		_, err := e.svc.DistanceMap(ctx, e.project, m)
		assert.Equal(t, errdefs.CodeMapNoPinwheels, errdefs.Code(err))
	})

	e.pinwheel(t, m, 0, 0)
	e.pinwheel(t, m, 5, 3)

	t.Run("computed map", func(t *testing.T) {
		out, err := e.svc.DistanceMap(ctx, e.project, m)
		require.NoError(t, err)
		assert.Equal(t, "c022_X210_distance", out.Alias())
		assert.Equal(t, 6, out.ResolutionX())
		assert.Equal(t, 4, out.ResolutionY())
		assert.Equal(t, 600.0, out.Width())
		assert.Equal(t, 400.0, out.Height())
		assert.Equal(t, m.Type(), out.Type())

		a, err := e.svc.ReadArray(ctx, out)
		require.NoError(t, err)
		assert.Zero(t, a.Float(0, 0))
		assert.Zero(t, a.Float(3, 5))
		// 100 um per pixel both ways
		assert.InDelta(t, 100.0, a.Float(0, 1), 1e-9)
		assert.InDelta(t, math.Hypot(200, 100), a.Float(1, 2), 1e-9)
	})

	t.Run("alias collision", func(t *testing.T) {
		_, err := e.svc.DistanceMap(ctx, e.project, m)
		assert.Equal(t, errdefs.CodeMapAliasDuplicated, errdefs.Code(err))
	})

	t.Run("missing upload", func(t *testing.T) {
		bare, err := e.svc.NewMap(e.project, "bare", imaging.Orientation, 1, 1)
		require.NoError(t, err)
		require.NoError(t, e.svc.SaveMap(ctx, bare))
		e.pinwheel(t, bare, 0, 0)
		_, err = e.svc.DistanceMap(ctx, e.project, bare)
		assert.Equal(t, errdefs.CodeMapMissingUpload, errdefs.Code(err))
	})

	t.Run("pinwheel outside the map", func(t *testing.T) {
		small := e.newMap(t, "small", 2, 2, 1, 1)
		e.pinwheel(t, small, 7, 0)
		_, err := e.svc.DistanceMap(ctx, e.project, small)
		assert.Equal(t, errdefs.CodeMapBadDimensions, errdefs.Code(err))
	})

	t.Run("disabled processor", func(t *testing.T) {
		e.setEnabled(t, imaging.PinwheelsClass, false)
		defer e.setEnabled(t, imaging.PinwheelsClass, true)
		_, err := e.svc.DistanceMap(ctx, e.project, m)
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestCutROI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.newMap(t, "c022_X210", 4, 6, 600, 400)

	roi, err := e.svc.NewROI(m, 1, 4, 0, 2)
	require.NoError(t, err)
	require.NoError(t, e.svc.SaveROI(ctx, roi))

	t.Run("cut", func(t *testing.T) {
		out, err := e.svc.CutROI(ctx, e.project, m, roi)
		require.NoError(t, err)
		assert.Equal(t, 3, out.ResolutionX())
		assert.Equal(t, 2, out.ResolutionY())
		assert.InDelta(t, 300.0, out.Width(), 1e-9)
		assert.InDelta(t, 200.0, out.Height(), 1e-9)

		a, err := e.svc.ReadArray(ctx, out)
		require.NoError(t, err)
		assert.Equal(t, 1.0, a.Float(0, 0))
		assert.Equal(t, 9.0, a.Float(1, 2))

		_, err = e.svc.CutROI(ctx, e.project, m, roi)
		assert.Equal(t, errdefs.CodeMapAliasDuplicated, errdefs.Code(err))
	})

	t.Run("inverted rectangle", func(t *testing.T) {
		bad, err := e.svc.NewROI(m, 4, 1, 0, 2)
		require.NoError(t, err)
		assert.True(t, errdefs.IsInvalid(e.svc.SaveROI(ctx, bad)))
	})

	t.Run("region outside the map", func(t *testing.T) {
		wide, err := e.svc.NewROI(m, 0, 10, 0, 2)
		require.NoError(t, err)
		require.NoError(t, e.svc.SaveROI(ctx, wide))
		_, err = e.svc.CutROI(ctx, e.project, m, wide)
		assert.Equal(t, errdefs.CodeMapBadDimensions, errdefs.Code(err))
	})

	t.Run("region of another map", func(t *testing.T) {
		other := e.newMap(t, "other", 2, 2, 1, 1)
		_, err := e.svc.CutROI(ctx, e.project, other, roi)
		assert.True(t, errdefs.IsNotFound(err))
	})
}

func TestAuthorize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	assert.NoError(t, e.svc.Authorize(ctx, e.f.Users[0], e.project, access.AppAdd))
	assert.NoError(t, e.svc.Authorize(ctx, e.f.Users[1], e.project, access.AppUsage))

	err := e.svc.Authorize(ctx, e.f.Users[2], e.project, access.AppUsage)
	assert.Equal(t, errdefs.CodePermissionDenied, errdefs.Code(err))

	e.setEnabled(t, imaging.ImagingClass, false)
	err = e.svc.Authorize(ctx, e.f.Users[0], e.project, access.AppUsage)
	assert.True(t, errdefs.IsNotFound(err))
}
