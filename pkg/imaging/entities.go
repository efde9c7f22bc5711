package imaging

import (
	"context"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
)

// Map types
const (
	Orientation = "orientation"
	Direction   = "direction"
)

// MapSchema describes imaging_map rows. The data field holds the blob key
// of the .npy file; the resolution is computed on upload.
var MapSchema = entity.NewSchema("functional map", "imaging_map",
	entity.Field{Name: "alias", Kind: entity.KindString, Required: true, Rule: "max=50,slug"},
	entity.Field{Name: "type", Kind: entity.KindString, Required: true, Choices: []string{Orientation, Direction}},
	entity.Field{Name: "data", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "width", Kind: entity.KindFloat, Required: true, Rule: "gt=0"},
	entity.Field{Name: "height", Kind: entity.KindFloat, Required: true, Rule: "gt=0"},
	entity.Field{Name: "resolution_x", Kind: entity.KindInt, ReadOnly: true},
	entity.Field{Name: "resolution_y", Kind: entity.KindInt, ReadOnly: true},
	entity.Field{Name: "project", Kind: entity.KindRef, Column: "project_id", Required: true, ReadOnly: true},
)

// PinwheelSchema describes imaging_pinwheel rows
var PinwheelSchema = entity.NewSchema("pinwheel", "imaging_pinwheel",
	entity.Field{Name: "map", Kind: entity.KindRef, Column: "map_id", Required: true, ReadOnly: true},
	entity.Field{Name: "x", Kind: entity.KindInt, Required: true, Rule: "min=0"},
	entity.Field{Name: "y", Kind: entity.KindInt, Required: true, Rule: "min=0"},
)

// ROISchema describes imaging_rectangular_roi rows. Bounds are pixel
// indices; right and bottom are exclusive.
var ROISchema = entity.NewSchema("rectangular ROI", "imaging_rectangular_roi",
	entity.Field{Name: "map", Kind: entity.KindRef, Column: "map_id", Required: true, ReadOnly: true},
	entity.Field{Name: "left", Kind: entity.KindInt, Column: "left_x", Required: true, Rule: "min=0"},
	entity.Field{Name: "right", Kind: entity.KindInt, Column: "right_x", Required: true, Rule: "min=0"},
	entity.Field{Name: "top", Kind: entity.KindInt, Column: "top_y", Required: true, Rule: "min=0"},
	entity.Field{Name: "bottom", Kind: entity.KindInt, Column: "bottom_y", Required: true, Rule: "min=0"},
)

// Map is a functional map of a project
type Map struct {
	*entity.Entity
}

func (m *Map) Alias() string    { return m.String("alias") }
func (m *Map) Type() string     { return m.String("type") }
func (m *Map) DataKey() string  { return m.String("data") }
func (m *Map) Width() float64   { return m.Float("width") }
func (m *Map) Height() float64  { return m.Float("height") }
func (m *Map) ResolutionX() int { return int(m.Int("resolution_x")) }
func (m *Map) ResolutionY() int { return int(m.Int("resolution_y")) }
func (m *Map) ProjectID() int64 { return m.Int("project") }
func (m *Map) HasData() bool    { return m.DataKey() != "" }

// Pinwheel is a singular point of an orientation map
type Pinwheel struct {
	*entity.Entity
}

func (p *Pinwheel) MapID() int64 { return p.Int("map") }
func (p *Pinwheel) X() int       { return int(p.Int("x")) }
func (p *Pinwheel) Y() int       { return int(p.Int("y")) }

// RectangularROI is a rectangular region of interest of a map
type RectangularROI struct {
	*entity.Entity
}

func (r *RectangularROI) MapID() int64 { return r.Int("map") }
func (r *RectangularROI) Left() int    { return int(r.Int("left")) }
func (r *RectangularROI) Right() int   { return int(r.Int("right")) }
func (r *RectangularROI) Top() int     { return int(r.Int("top")) }
func (r *RectangularROI) Bottom() int  { return int(r.Int("bottom")) }

// roiGeometry refuses empty or inverted rectangles
var roiGeometry = entity.ProviderFuncs{
	NoCompensation: true,
	Create:         checkGeometry,
	Update:         checkGeometry,
}

func checkGeometry(_ context.Context, e *entity.Entity) error {
	if e.Int("left") >= e.Int("right") {
		return errdefs.Validation("left must be less than right")
	}
	if e.Int("top") >= e.Int("bottom") {
		return errdefs.Validation("top must be less than bottom")
	}
	return nil
}

// Maps returns a reader over the maps of p with the filters alias, type
// and q
func (s *Service) Maps(p *access.Project) *entity.Collection[*Map] {
	set := entity.NewSet(entity.SetConfig{
		DB:         s.db,
		Schema:     MapSchema,
		Alias:      "m",
		Providers:  s.mapProviders(p),
		AliasField: "alias",
		Filters: map[string]entity.Filter{
			"alias": entity.Equals("m.alias"),
			"type":  entity.Equals("m.type"),
			"q":     entity.Search("m.alias"),
		},
		Base: func(q *entity.Query) {
			q.Where("m.project_id = ?", p.ID())
		},
		OrderBy: []string{"m.alias", "m.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Map { return &Map{e} })
}

// NewMap returns an unsaved map of p
func (s *Service) NewMap(p *access.Project, alias, typ string, width, height float64) (*Map, error) {
	m := &Map{entity.New(MapSchema, s.mapProviders(p)...)}
	if err := m.SetInternal("project", p.ID()); err != nil {
		return nil, err
	}
	for name, v := range map[string]interface{}{"alias": alias, "type": typ, "width": width, "height": height} {
		if err := m.Set(name, v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Pinwheels returns a reader over the pinwheels of m
func (s *Service) Pinwheels(m *Map) *entity.Collection[*Pinwheel] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    PinwheelSchema,
		Alias:     "pw",
		Providers: []entity.Provider{entity.NewSQLProvider(s.db)},
		Base: func(q *entity.Query) {
			q.Where("pw.map_id = ?", m.ID())
		},
		OrderBy: []string{"pw.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Pinwheel { return &Pinwheel{e} })
}

// NewPinwheel returns an unsaved pinwheel of m
func (s *Service) NewPinwheel(m *Map, x, y int) (*Pinwheel, error) {
	p := &Pinwheel{entity.New(PinwheelSchema, entity.NewSQLProvider(s.db))}
	if err := p.SetInternal("map", m.ID()); err != nil {
		return nil, err
	}
	if err := p.Set("x", x); err != nil {
		return nil, err
	}
	if err := p.Set("y", y); err != nil {
		return nil, err
	}
	return p, nil
}

// ROIs returns a reader over the rectangular regions of m
func (s *Service) ROIs(m *Map) *entity.Collection[*RectangularROI] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    ROISchema,
		Alias:     "roi",
		Providers: []entity.Provider{roiGeometry, entity.NewSQLProvider(s.db)},
		Base: func(q *entity.Query) {
			q.Where("roi.map_id = ?", m.ID())
		},
		OrderBy: []string{"roi.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *RectangularROI { return &RectangularROI{e} })
}

// NewROI returns an unsaved region of m
func (s *Service) NewROI(m *Map, left, right, top, bottom int) (*RectangularROI, error) {
	r := &RectangularROI{entity.New(ROISchema, roiGeometry, entity.NewSQLProvider(s.db))}
	if err := r.SetInternal("map", m.ID()); err != nil {
		return nil, err
	}
	for name, v := range map[string]interface{}{"left": left, "right": right, "top": top, "bottom": bottom} {
		if err := r.Set(name, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// mapByAlias is GetByAlias with a nil map when none exists
func (s *Service) mapByAlias(ctx context.Context, p *access.Project, alias string) (*Map, error) {
	m, err := s.Maps(p).GetByAlias(ctx, alias)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	return m, err
}
