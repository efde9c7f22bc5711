package access

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// CheckResult is the outcome of a permission check
type CheckResult struct {
	Allowed bool        `json:"allowed"`
	Level   AccessLevel `json:"access_level"`
	Reason  string      `json:"reason"`
}

func (s *Service) isRootMember(ctx context.Context, u *User, p *Project) (bool, error) {
	var n int
	err := storage.Querier(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core_group_user WHERE group_id = $1 AND user_id = $2`,
		p.RootGroupID(), u.ID()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check root group membership: %w", err)
	}
	return n > 0, nil
}

// maxRank returns the highest rank granted to any group of the user,
// ignoring rows of the root group
func (s *Service) maxRank(ctx context.Context, table string, u *User, p *Project, appID int64) (sql.NullInt64, error) {
	query := `SELECT MAX(al.rank) FROM ` + table + ` pp
		JOIN core_access_level al ON al.id = pp.access_level_id
		JOIN core_group_user gu ON gu.group_id = pp.group_id
		WHERE pp.project_id = $1 AND gu.user_id = $2 AND pp.group_id <> $3`
	args := []interface{}{p.ID(), u.ID(), p.RootGroupID()}
	if appID != 0 {
		query += ` AND pp.application_id = $4`
		args = append(args, appID)
	}
	var rank sql.NullInt64
	if err := storage.Querier(ctx, s.db).QueryRowContext(ctx, query, args...).Scan(&rank); err != nil {
		return rank, fmt.Errorf("failed to compute access level: %w", err)
	}
	return rank, nil
}

func (s *Service) levelByRank(ctx context.Context, typ LevelType, rank int) (AccessLevel, error) {
	all, err := s.levels.All(ctx, typ)
	if err != nil {
		return AccessLevel{}, err
	}
	for _, lvl := range all {
		if lvl.Rank == rank {
			return lvl, nil
		}
	}
	return AccessLevel{}, errdefs.NotFound("no %s access level of rank %d", typ, rank)
}

// ProjectLevel computes the effective level of u on p. Superusers and root
// group members get full access; everybody else gets the highest level
// granted to any of their groups, no_access when there is none.
func (s *Service) ProjectLevel(ctx context.Context, u *User, p *Project) (AccessLevel, string, error) {
	if u.IsSuperuser() {
		lvl, err := s.levels.ByAlias(ctx, ProjectLevels, Full)
		return lvl, "superuser", err
	}
	root, err := s.isRootMember(ctx, u, p)
	if err != nil {
		return AccessLevel{}, "", err
	}
	if root {
		lvl, err := s.levels.ByAlias(ctx, ProjectLevels, Full)
		return lvl, "root group member", err
	}
	rank, err := s.maxRank(ctx, PermissionSchema.Table, u, p, 0)
	if err != nil {
		return AccessLevel{}, "", err
	}
	if !rank.Valid {
		lvl, err := s.levels.Lowest(ctx, ProjectLevels)
		return lvl, "no permission granted", err
	}
	lvl, err := s.levelByRank(ctx, ProjectLevels, int(rank.Int64))
	return lvl, "granted to a group of the user", err
}

// AppLevel computes the effective level of u on an application within p:
// the lower of the project level projected into the app lattice and the
// highest app grant of the user's groups. Without an app grant the level
// is no_access. Users with full project access are not restricted.
func (s *Service) AppLevel(ctx context.Context, u *User, p *Project, appID int64) (AccessLevel, string, error) {
	prj, reason, err := s.ProjectLevel(ctx, u, p)
	if err != nil {
		return AccessLevel{}, "", err
	}
	projected, err := s.levels.Project(ctx, prj)
	if err != nil {
		return AccessLevel{}, "", err
	}
	if prj.Alias == Full {
		return projected, reason, nil
	}
	rank, err := s.maxRank(ctx, AppPermissionSchema.Table, u, p, appID)
	if err != nil {
		return AccessLevel{}, "", err
	}
	if !rank.Valid {
		lvl, err := s.levels.Lowest(ctx, AppLevels)
		return lvl, "no application permission granted", err
	}
	if int(rank.Int64) >= projected.Rank {
		return projected, "projected from the project level", nil
	}
	lvl, err := s.levelByRank(ctx, AppLevels, int(rank.Int64))
	return lvl, "restricted by an application grant", err
}

func (s *Service) check(ctx context.Context, typ LevelType, required string, compute func() (AccessLevel, string, error)) (*CheckResult, error) {
	need, err := s.levels.ByAlias(ctx, typ, required)
	if err != nil {
		return nil, err
	}
	lvl, reason, err := compute()
	if err != nil {
		return nil, err
	}
	return &CheckResult{Allowed: lvl.AtLeast(need), Level: lvl, Reason: reason}, nil
}

// CheckProject tells whether u holds at least the required project level
func (s *Service) CheckProject(ctx context.Context, u *User, p *Project, required string) (*CheckResult, error) {
	return s.check(ctx, ProjectLevels, required, func() (AccessLevel, string, error) {
		return s.ProjectLevel(ctx, u, p)
	})
}

// CheckApp tells whether u holds at least the required app level
func (s *Service) CheckApp(ctx context.Context, u *User, p *Project, appID int64, required string) (*CheckResult, error) {
	return s.check(ctx, AppLevels, required, func() (AccessLevel, string, error) {
		return s.AppLevel(ctx, u, p, appID)
	})
}

// RequireProject returns PermissionDenied unless u holds the required level
func (s *Service) RequireProject(ctx context.Context, u *User, p *Project, required string) (AccessLevel, error) {
	res, err := s.CheckProject(ctx, u, p, required)
	if err != nil {
		return AccessLevel{}, err
	}
	if !res.Allowed {
		return res.Level, errdefs.PermissionDenied("%s access to project %s is required", required, p.Alias())
	}
	return res.Level, nil
}

// RequireApp returns PermissionDenied unless u holds the required app level
func (s *Service) RequireApp(ctx context.Context, u *User, p *Project, appID int64, required string) (AccessLevel, error) {
	res, err := s.CheckApp(ctx, u, p, appID, required)
	if err != nil {
		return AccessLevel{}, err
	}
	if !res.Allowed {
		return res.Level, errdefs.PermissionDenied("%s access to the application is required", required)
	}
	return res.Level, nil
}
