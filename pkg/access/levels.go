package access

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// LevelType is the scope of an access level lattice
type LevelType string

const (
	// ProjectLevels rank access to project data
	ProjectLevels LevelType = "prj"
	// AppLevels rank access to a project application
	AppLevels LevelType = "app"
)

// Project-scope level aliases, lowest first
const (
	NoAccess    = "no_access"
	DataView    = "data_view"
	DataProcess = "data_process"
	DataAdd     = "data_add"
	DataFull    = "data_full"
	Full        = "full"
)

// App-scope level aliases, lowest first
const (
	AppUsage              = "usage"
	AppPermissionRequired = "permission_required"
	AppAdd                = "add"
)

// AccessLevel is one point of a lattice
type AccessLevel struct {
	ID    int64     `json:"id"`
	Type  LevelType `json:"type"`
	Alias string    `json:"alias"`
	Name  string    `json:"name"`
	Rank  int       `json:"-"`
}

// AtLeast reports whether l ranks at or above other in the same lattice
func (l AccessLevel) AtLeast(other AccessLevel) bool {
	return l.Type == other.Type && l.Rank >= other.Rank
}

type levelSeed struct {
	alias, name string
}

var lattices = map[LevelType][]levelSeed{
	ProjectLevels: {
		{NoAccess, "No access"},
		{DataView, "Data view"},
		{DataProcess, "Data processing"},
		{DataAdd, "Data adding"},
		{DataFull, "Full data access"},
		{Full, "Full access"},
	},
	AppLevels: {
		{NoAccess, "No access"},
		{AppUsage, "Application usage"},
		{AppPermissionRequired, "Add data after permission"},
		{AppAdd, "Add data without restrictions"},
	},
}

// projection maps project levels to the app level they imply
var projection = map[string]string{
	NoAccess:    NoAccess,
	DataView:    AppUsage,
	DataProcess: AppAdd,
	DataAdd:     AppAdd,
	DataFull:    AppAdd,
	Full:        AppAdd,
}

// Levels reads the seeded lattices. Rows never change after install, so
// they are loaded once.
type Levels struct {
	db *sql.DB

	mu     sync.Mutex
	byType map[LevelType][]AccessLevel
}

// NewLevels creates a lattice reader
func NewLevels(db *sql.DB) *Levels {
	return &Levels{db: db}
}

// Seed inserts missing lattice rows and fixes the rank of existing ones
func (l *Levels) Seed(ctx context.Context) error {
	err := storage.InTx(ctx, l.db, func(ctx context.Context) error {
		q := storage.Querier(ctx, l.db)
		for _, typ := range []LevelType{ProjectLevels, AppLevels} {
			for rank, seed := range lattices[typ] {
				res, err := q.ExecContext(ctx,
					`UPDATE core_access_level SET name = $1, rank = $2 WHERE type = $3 AND alias = $4`,
					seed.name, rank, string(typ), seed.alias)
				if err != nil {
					return fmt.Errorf("failed to update access level %s/%s: %w", typ, seed.alias, err)
				}
				if n, _ := res.RowsAffected(); n > 0 {
					continue
				}
				_, err = q.ExecContext(ctx,
					`INSERT INTO core_access_level (type, alias, name, rank) VALUES ($1, $2, $3, $4)`,
					string(typ), seed.alias, seed.name, rank)
				if err != nil {
					return fmt.Errorf("failed to insert access level %s/%s: %w", typ, seed.alias, err)
				}
			}
		}
		return nil
	})
	l.mu.Lock()
	l.byType = nil
	l.mu.Unlock()
	return err
}

func (l *Levels) load(ctx context.Context) (map[LevelType][]AccessLevel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byType != nil {
		return l.byType, nil
	}

	rows, err := storage.Querier(ctx, l.db).QueryContext(ctx,
		`SELECT id, type, alias, name, rank FROM core_access_level ORDER BY type, rank`)
	if err != nil {
		return nil, fmt.Errorf("failed to load access levels: %w", err)
	}
	defer rows.Close()
	byType := map[LevelType][]AccessLevel{}
	for rows.Next() {
		var lvl AccessLevel
		var typ string
		if err := rows.Scan(&lvl.ID, &typ, &lvl.Alias, &lvl.Name, &lvl.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan access level: %w", err)
		}
		lvl.Type = LevelType(typ)
		byType[lvl.Type] = append(byType[lvl.Type], lvl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read access levels: %w", err)
	}
	if len(byType[ProjectLevels]) == 0 || len(byType[AppLevels]) == 0 {
		return nil, errdefs.Unavailable("access levels are not installed")
	}
	l.byType = byType
	return byType, nil
}

// All returns the lattice of a type ordered from lowest
func (l *Levels) All(ctx context.Context, typ LevelType) ([]AccessLevel, error) {
	if typ != ProjectLevels && typ != AppLevels {
		return nil, errdefs.FieldInvalid("type", "must be %s or %s", ProjectLevels, AppLevels)
	}
	byType, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]AccessLevel(nil), byType[typ]...), nil
}

// ByAlias returns a level of a lattice
func (l *Levels) ByAlias(ctx context.Context, typ LevelType, alias string) (AccessLevel, error) {
	all, err := l.All(ctx, typ)
	if err != nil {
		return AccessLevel{}, err
	}
	for _, lvl := range all {
		if lvl.Alias == alias {
			return lvl, nil
		}
	}
	return AccessLevel{}, errdefs.NotFound("access level %s/%s not found", typ, alias)
}

// ByID returns a level of either lattice
func (l *Levels) ByID(ctx context.Context, id int64) (AccessLevel, error) {
	byType, err := l.load(ctx)
	if err != nil {
		return AccessLevel{}, err
	}
	for _, levels := range byType {
		for _, lvl := range levels {
			if lvl.ID == id {
				return lvl, nil
			}
		}
	}
	return AccessLevel{}, errdefs.NotFound("access level %d not found", id)
}

// Lowest returns no_access of a lattice
func (l *Levels) Lowest(ctx context.Context, typ LevelType) (AccessLevel, error) {
	return l.ByAlias(ctx, typ, NoAccess)
}

// Project projects a project level into the app lattice
func (l *Levels) Project(ctx context.Context, lvl AccessLevel) (AccessLevel, error) {
	if lvl.Type == AppLevels {
		return lvl, nil
	}
	return l.ByAlias(ctx, AppLevels, projection[lvl.Alias])
}
