package access

import (
	"context"
	"fmt"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
)

// GroupSchema describes core_group rows. The governor is kept in the
// membership table; on create it is taken from the transient field.
var GroupSchema = entity.NewSchema("group", "core_group",
	entity.Field{Name: "name", Kind: entity.KindString, Required: true, Rule: "max=256"},
	entity.Field{Name: "governor", Kind: entity.KindRef, Transient: true},
)

// MembershipSchema describes core_group_user rows
var MembershipSchema = entity.NewSchema("group membership", "core_group_user",
	entity.Field{Name: "group", Kind: entity.KindRef, Column: "group_id", Required: true, ReadOnly: true},
	entity.Field{Name: "user", Kind: entity.KindRef, Column: "user_id", Required: true, ReadOnly: true},
	entity.Field{Name: "is_governor", Kind: entity.KindBool, Required: true, ReadOnly: true, Default: false},
)

// Group is a set of users sharing permissions
type Group struct {
	*entity.Entity
	svc *Service
}

// Name returns the group name
func (g *Group) Name() string { return g.String("name") }

// Governor returns the user governing the group
func (g *Group) Governor(ctx context.Context) (*User, error) {
	if g.State() == entity.StateCreating {
		return g.svc.Users().Get(ctx, g.Int("governor"))
	}
	users, err := g.svc.Users().Where("governed_group", g.ID())
	if err != nil {
		return nil, err
	}
	return users.Index(ctx, 0)
}

// Users returns a reader over the group members
func (g *Group) Users() *entity.Collection[*User] {
	users, _ := g.svc.Users().Where("group", g.ID())
	return users
}

// Membership links a user to a group
type Membership struct {
	*entity.Entity
}

func (m Membership) Group() int64     { return m.Int("group") }
func (m Membership) User() int64      { return m.Int("user") }
func (m Membership) IsGovernor() bool { return m.Bool("is_governor") }

func (s *Service) groupProviders() []entity.Provider {
	return []entity.Provider{s.sqlProvider(), s.groupGovernor()}
}

// groupGovernor adds the governor membership after the row exists
func (s *Service) groupGovernor() entity.Provider {
	return entity.ProviderFuncs{
		Create: func(ctx context.Context, e *entity.Entity) error {
			governor := e.Int("governor")
			if governor == 0 {
				return errdefs.FieldInvalid("governor", "this field is required")
			}
			_, err := s.addMembership(ctx, e.ID(), governor, true)
			return err
		},
		NoCompensation: true,
	}
}

func (s *Service) membershipProviders() []entity.Provider {
	return []entity.Provider{s.sqlProvider(), s.membershipPosix()}
}

// membershipPosix keeps the POSIX groups of projects rooted at the group in
// step with its members
func (s *Service) membershipPosix() entity.Provider {
	sync := func(add bool) func(ctx context.Context, e *entity.Entity) error {
		return func(ctx context.Context, e *entity.Entity) error {
			if !s.profile.AdministersPosix() {
				return nil
			}
			logins, err := s.userUnixGroups(ctx,
				`SELECT unix_group FROM core_user WHERE id = $1 AND unix_group IS NOT NULL`, e.Int("user"))
			if err != nil || len(logins) == 0 {
				return err
			}
			groups, err := s.userUnixGroups(ctx,
				`SELECT unix_group FROM core_project WHERE root_group_id = $1 AND unix_group IS NOT NULL ORDER BY id`, e.Int("group"))
			if err != nil {
				return err
			}
			for _, group := range groups {
				cmd := posix.GroupRemoveUser(group, logins[0])
				if add {
					cmd = posix.GroupAddUser(group, logins[0])
				}
				if err := posix.Enqueue(ctx, cmd); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return entity.ProviderFuncs{Create: sync(true), Delete: sync(false), NoCompensation: true}
}

// Groups returns a reader over groups with the filters name, user (groups
// containing the user), governor (groups governed by the user) and q
func (s *Service) Groups() *entity.Collection[*Group] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    GroupSchema,
		Alias:     "g",
		Providers: s.groupProviders(),
		Filters: map[string]entity.Filter{
			"name": entity.Equals("g.name"),
			"q":    entity.Search("g.name"),
			"user": func(q *entity.Query, v interface{}) {
				q.Where("EXISTS (SELECT 1 FROM core_group_user gu WHERE gu.group_id = g.id AND gu.user_id = ?)", v)
			},
			"governor": func(q *entity.Query, v interface{}) {
				q.Where("EXISTS (SELECT 1 FROM core_group_user gu WHERE gu.group_id = g.id AND gu.user_id = ? AND gu.is_governor)", v)
			},
		},
		OrderBy: []string{"g.name", "g.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *Group { return &Group{Entity: e, svc: s} })
}

// Memberships returns a reader over memberships with the filters group,
// user and is_governor
func (s *Service) Memberships() *entity.Collection[Membership] {
	set := entity.NewSet(entity.SetConfig{
		DB:        s.db,
		Schema:    MembershipSchema,
		Alias:     "gu",
		Providers: s.membershipProviders(),
		Filters: map[string]entity.Filter{
			"group":       entity.Equals("gu.group_id"),
			"user":        entity.Equals("gu.user_id"),
			"is_governor": entity.Equals("gu.is_governor"),
		},
	})
	return entity.NewCollection(set, func(e *entity.Entity) Membership { return Membership{e} })
}

// NewGroup returns an unsaved group governed by governor
func (s *Service) NewGroup(name string, governor *User) (*Group, error) {
	g := &Group{Entity: entity.New(GroupSchema, s.groupProviders()...), svc: s}
	if err := g.Set("name", name); err != nil {
		return nil, err
	}
	if governor != nil {
		if err := g.Set("governor", governor.ID()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// SaveGroup creates or renames a group
func (s *Service) SaveGroup(ctx context.Context, g *Group) error {
	return s.Atomic(ctx, g.Save)
}

// DeleteGroup removes a group that is not the root group of a project
func (s *Service) DeleteGroup(ctx context.Context, g *Group) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		projects, err := s.Projects().Where("root_group", g.ID())
		if err != nil {
			return err
		}
		n, err := projects.Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return errdefs.NotPermitted("group %q is the root group of a project", g.Name())
		}
		return g.Delete(ctx)
	})
}

func (s *Service) addMembership(ctx context.Context, groupID, userID int64, governor bool) (Membership, error) {
	m := Membership{entity.New(MembershipSchema, s.membershipProviders()...)}
	for name, v := range map[string]interface{}{"group": groupID, "user": userID, "is_governor": governor} {
		if err := m.SetInternal(name, v); err != nil {
			return m, err
		}
	}
	if err := m.Create(ctx); err != nil {
		return m, err
	}
	return m, nil
}

func (s *Service) membership(ctx context.Context, groupID, userID int64) (Membership, error) {
	ms, err := s.Memberships().Where("group", groupID)
	if err != nil {
		return Membership{}, err
	}
	if ms, err = ms.Where("user", userID); err != nil {
		return Membership{}, err
	}
	m, err := ms.Index(ctx, 0)
	if errdefs.IsNotFound(err) {
		return Membership{}, errdefs.NotFound("user %d is not a member of group %d", userID, groupID)
	}
	return m, err
}

// AddUser adds a member to a group
func (s *Service) AddUser(ctx context.Context, g *Group, u *User) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		if _, err := s.addMembership(ctx, g.ID(), u.ID(), false); err != nil {
			if errdefs.IsDuplicated(err) {
				return errdefs.Duplicated("user %s is already a member of group %q", u.Login(), g.Name())
			}
			return err
		}
		return nil
	})
}

// RemoveUser removes a member. The governor cannot be removed.
func (s *Service) RemoveUser(ctx context.Context, g *Group, u *User) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		m, err := s.membership(ctx, g.ID(), u.ID())
		if err != nil {
			return err
		}
		if m.IsGovernor() {
			return errdefs.NotPermitted("the governor of group %q cannot be removed from it", g.Name())
		}
		return m.Delete(ctx)
	})
}

// SetGovernor hands the group over to u, adding u as a member if needed
func (s *Service) SetGovernor(ctx context.Context, g *Group, u *User) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		if _, err := s.membership(ctx, g.ID(), u.ID()); errdefs.IsNotFound(err) {
			if _, err := s.addMembership(ctx, g.ID(), u.ID(), false); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		q := storage.Querier(ctx, s.db)
		// the old flag is cleared first: one governor per group is a unique index
		if _, err := q.ExecContext(ctx,
			`UPDATE core_group_user SET is_governor = $1 WHERE group_id = $2 AND is_governor`, false, g.ID()); err != nil {
			return fmt.Errorf("failed to clear governor of group %d: %w", g.ID(), err)
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE core_group_user SET is_governor = $1 WHERE group_id = $2 AND user_id = $3`, true, g.ID(), u.ID()); err != nil {
			return storage.MapError(fmt.Errorf("failed to set governor of group %d: %w", g.ID(), err), "group governor")
		}
		return nil
	})
}
