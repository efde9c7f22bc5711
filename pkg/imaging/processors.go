package imaging

import (
	"context"
	"fmt"
	"math"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage"
)

// DistanceSuffix is appended to the alias of a map to name its distance map
const DistanceSuffix = "_distance"

// DistanceMap creates a map holding, for every pixel of m, the physical
// distance to the nearest pinwheel. The new map has the resolution and the
// physical size of m.
func (s *Service) DistanceMap(ctx context.Context, p *access.Project, m *Map) (*Map, error) {
	if _, err := s.enabled(ctx, PinwheelsClass); err != nil {
		return nil, err
	}
	pinwheels, err := s.Pinwheels(m).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(pinwheels) == 0 {
		return nil, errdefs.MapProcessing(errdefs.CodeMapNoPinwheels, "map %s has no pinwheels", m.Alias())
	}
	src, err := s.ReadArray(ctx, m)
	if err != nil {
		return nil, err
	}
	for _, pw := range pinwheels {
		if pw.X() >= src.Cols || pw.Y() >= src.Rows {
			return nil, errdefs.MapProcessing(errdefs.CodeMapBadDimensions,
				"pinwheel (%d, %d) lies outside the %dx%d map", pw.X(), pw.Y(), src.Cols, src.Rows)
		}
	}

	sx := m.Width() / float64(src.Cols)
	sy := m.Height() / float64(src.Rows)
	values := make([]float64, src.Rows*src.Cols)
	for y := 0; y < src.Rows; y++ {
		for x := 0; x < src.Cols; x++ {
			best := math.Inf(1)
			for _, pw := range pinwheels {
				dx := float64(x-pw.X()) * sx
				dy := float64(y-pw.Y()) * sy
				if d := math.Hypot(dx, dy); d < best {
					best = d
				}
			}
			values[y*src.Cols+x] = best
		}
	}
	return s.derive(ctx, p, m, m.Alias()+DistanceSuffix, NewFloatArray(src.Rows, src.Cols, values), m.Width(), m.Height())
}

// CutROI creates a map holding the region r of m. The physical size of the
// new map is scaled by the share of pixels kept.
func (s *Service) CutROI(ctx context.Context, p *access.Project, m *Map, r *RectangularROI) (*Map, error) {
	if _, err := s.enabled(ctx, ROIClass); err != nil {
		return nil, err
	}
	if r.MapID() != m.ID() {
		return nil, errdefs.NotFound("region %d does not belong to map %s", r.ID(), m.Alias())
	}
	src, err := s.ReadArray(ctx, m)
	if err != nil {
		return nil, err
	}
	cut, err := src.Crop(r.Top(), r.Bottom(), r.Left(), r.Right())
	if err != nil {
		return nil, err
	}
	width := m.Width() * float64(cut.Cols) / float64(src.Cols)
	height := m.Height() * float64(cut.Rows) / float64(src.Rows)
	return s.derive(ctx, p, m, fmt.Sprintf("%s_roi%d", m.Alias(), r.ID()), cut, width, height)
}

// derive stores a map computed from src under a new alias
func (s *Service) derive(ctx context.Context, p *access.Project, src *Map, alias string, a *Array, width, height float64) (*Map, error) {
	existing, err := s.mapByAlias(ctx, p, alias)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errdefs.MapProcessing(errdefs.CodeMapAliasDuplicated, "map %s already exists", alias)
	}

	out, err := s.NewMap(p, alias, src.Type(), width, height)
	if err != nil {
		return nil, errdefs.MapProcessing(errdefs.CodeMapProcessingFailed, "cannot name the result %s: %v", alias, err)
	}
	if err := out.SetInternal("resolution_x", a.Cols); err != nil {
		return nil, err
	}
	if err := out.SetInternal("resolution_y", a.Rows); err != nil {
		return nil, err
	}
	if err := out.SetFile("data", a.Bytes()); err != nil {
		return nil, err
	}
	err = storage.InTx(ctx, s.db, out.Create)
	if errdefs.IsDuplicated(err) {
		return nil, errdefs.MapProcessing(errdefs.CodeMapAliasDuplicated, "map %s already exists", alias)
	}
	if err != nil {
		return nil, err
	}
	observability.FromContext(ctx).WithField("map", src.Alias()).WithField("result", alias).Info("Map processed")
	return out, nil
}
