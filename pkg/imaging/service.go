package imaging

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/storage"
)

// Service manages functional maps and runs their processors
type Service struct {
	db       *sql.DB
	blobs    storage.BlobStore
	access   *access.Service
	registry *modules.Registry
}

// NewService creates the imaging service
func NewService(db *sql.DB, blobs storage.BlobStore, accessSvc *access.Service, registry *modules.Registry) *Service {
	return &Service{db: db, blobs: blobs, access: accessSvc, registry: registry}
}

// DataKey is where the data of a map is stored
func DataKey(projectAlias, mapAlias string) string {
	return "project-" + projectAlias + "/maps/" + mapAlias + ".npy"
}

func (s *Service) dataProvider(p *access.Project) *entity.FileProvider {
	alias := p.Alias()
	return entity.NewFileProvider(s.blobs, "data", func(e *entity.Entity, _ []byte) string {
		return DataKey(alias, e.String("alias"))
	}, "application/octet-stream")
}

func (s *Service) mapProviders(p *access.Project) []entity.Provider {
	return []entity.Provider{s.dataProvider(p), entity.NewSQLProvider(s.db)}
}

// Authorize checks that the imaging application is enabled and that u
// holds at least the given app level on it within p
func (s *Service) Authorize(ctx context.Context, u *access.User, p *access.Project, level string) error {
	app, err := s.enabled(ctx, ImagingClass)
	if err != nil {
		return err
	}
	_, err = s.access.RequireApp(ctx, u, p, app.ID(), level)
	return err
}

func (s *Service) enabled(ctx context.Context, class string) (*modules.Module, error) {
	m, err := s.registry.ModuleByClass(ctx, class)
	if err != nil {
		return nil, err
	}
	if !m.IsEnabled() {
		return nil, errdefs.NotFound("module %s is not enabled", m.Alias())
	}
	return m, nil
}

// SaveMap creates or updates a map
func (s *Service) SaveMap(ctx context.Context, m *Map) error {
	return storage.InTx(ctx, s.db, m.Save)
}

// DeleteMap removes a map with its pinwheels, regions and data file
func (s *Service) DeleteMap(ctx context.Context, m *Map) error {
	return storage.InTx(ctx, s.db, m.Delete)
}

// Upload replaces the data of a saved map with a .npy file and takes the
// resolution from the array shape
func (s *Service) Upload(ctx context.Context, m *Map, content []byte) error {
	a, err := DecodeNPY(bytes.NewReader(content))
	if err != nil {
		return err
	}
	if err := m.SetInternal("resolution_x", a.Cols); err != nil {
		return err
	}
	if err := m.SetInternal("resolution_y", a.Rows); err != nil {
		return err
	}
	if err := m.SetFile("data", content); err != nil {
		return err
	}
	if err := s.SaveMap(ctx, m); err != nil {
		return err
	}
	observability.FromContext(ctx).WithField("map", m.Alias()).
		Infof("Map data uploaded, resolution %dx%d", a.Cols, a.Rows)
	return nil
}

// Open returns the .npy file of a map
func (s *Service) Open(ctx context.Context, m *Map) (io.ReadCloser, error) {
	if !m.HasData() {
		return nil, errdefs.NotFound("map %s has no data", m.Alias())
	}
	return s.blobs.Get(ctx, m.DataKey())
}

// ReadArray decodes the data of a map
func (s *Service) ReadArray(ctx context.Context, m *Map) (*Array, error) {
	if !m.HasData() {
		return nil, errdefs.MapProcessing(errdefs.CodeMapMissingUpload, "map %s has no data uploaded", m.Alias())
	}
	rc, err := s.blobs.Get(ctx, m.DataKey())
	if err != nil {
		return nil, fmt.Errorf("failed to open data of map %s: %w", m.Alias(), err)
	}
	defer rc.Close()
	a, err := DecodeNPY(rc)
	if err != nil {
		return nil, errdefs.MapProcessing(errdefs.CodeMapProcessingFailed, "data of map %s is unreadable: %v", m.Alias(), err)
	}
	if a.Cols != m.ResolutionX() || a.Rows != m.ResolutionY() {
		return nil, errdefs.MapProcessing(errdefs.CodeMapBadDimensions,
			"data of map %s is %dx%d, the map declares %dx%d", m.Alias(), a.Cols, a.Rows, m.ResolutionX(), m.ResolutionY())
	}
	return a, nil
}

// SavePinwheel creates or updates a pinwheel
func (s *Service) SavePinwheel(ctx context.Context, p *Pinwheel) error {
	return storage.InTx(ctx, s.db, p.Save)
}

// SaveROI creates or updates a region
func (s *Service) SaveROI(ctx context.Context, r *RectangularROI) error {
	return storage.InTx(ctx, s.db, r.Save)
}
