package access

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/auth"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/validation"
)

// SupportLogin is the login of the built-in support user
const SupportLogin = "support"

// OneTimePasswordLength is the length of generated passwords
const OneTimePasswordLength = 12

// UserSchema describes core_user rows
var UserSchema = entity.NewSchema("user", "core_user",
	entity.Field{Name: "login", Kind: entity.KindString, Required: true,
		Rule: "max=" + strconv.Itoa(validation.MaxLoginLength) + ",slug"},
	entity.Field{Name: "password_hash", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "name", Kind: entity.KindString, Rule: "max=100"},
	entity.Field{Name: "surname", Kind: entity.KindString, Rule: "max=100"},
	entity.Field{Name: "email", Kind: entity.KindString, Rule: "omitempty,email,max=254"},
	entity.Field{Name: "phone", Kind: entity.KindString, Rule: "max=20"},
	entity.Field{Name: "is_locked", Kind: entity.KindBool, Required: true, Default: false},
	entity.Field{Name: "is_superuser", Kind: entity.KindBool, Required: true, Default: false},
	entity.Field{Name: "is_support", Kind: entity.KindBool, Required: true, ReadOnly: true, Default: false},
	entity.Field{Name: "avatar", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "unix_group", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "home_dir", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "activation_code_hash", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "activation_code_expiry", Kind: entity.KindTime, ReadOnly: true},
)

// User is a person that may log in
type User struct {
	*entity.Entity
}

func (u *User) Login() string        { return u.String("login") }
func (u *User) Name() string         { return u.String("name") }
func (u *User) Surname() string      { return u.String("surname") }
func (u *User) Email() string        { return u.String("email") }
func (u *User) IsLocked() bool       { return u.Bool("is_locked") }
func (u *User) IsSuperuser() bool    { return u.Bool("is_superuser") }
func (u *User) IsSupport() bool      { return u.Bool("is_support") }
func (u *User) UnixGroup() string    { return u.String("unix_group") }
func (u *User) HomeDir() string      { return u.String("home_dir") }
func (u *User) PasswordHash() string { return u.String("password_hash") }

// FullName is "Name Surname", falling back to the login
func (u *User) FullName() string {
	full := strings.TrimSpace(u.Name() + " " + u.Surname())
	if full == "" {
		return u.Login()
	}
	return full
}

// SetPassword stores the bcrypt hash of password. An empty password clears
// the hash so that password login is impossible.
func (u *User) SetPassword(password string) error {
	if password == "" {
		return u.SetInternal("password_hash", nil)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return u.SetInternal("password_hash", hash)
}

// GeneratePassword replaces the password with a random one-time password
// and returns it
func (u *User) GeneratePassword() (string, error) {
	password, hash, err := auth.GeneratePassword(OneTimePasswordLength)
	if err != nil {
		return "", err
	}
	if err := u.SetInternal("password_hash", hash); err != nil {
		return "", err
	}
	return password, nil
}

// CheckPassword compares password with the stored hash
func (u *User) CheckPassword(password string) error {
	return auth.CheckPassword(u.PasswordHash(), password)
}

// SetActivation stores a freshly issued recovery code
func (u *User) SetActivation(a *auth.Activation) error {
	if err := u.SetInternal("activation_code_hash", a.CodeHash); err != nil {
		return err
	}
	return u.SetInternal("activation_code_expiry", a.ExpiresAt)
}

// ActivationValid reports whether the recovery code stored on the user can
// still be consumed at now
func (u *User) ActivationValid(now time.Time) bool {
	expiry, ok := u.Time("activation_code_expiry")
	return ok && u.String("activation_code_hash") != "" && now.Before(expiry)
}

// ClearActivation makes the stored recovery code unusable
func (u *User) ClearActivation() error {
	if err := u.SetInternal("activation_code_hash", nil); err != nil {
		return err
	}
	return u.SetInternal("activation_code_expiry", nil)
}

func (s *Service) userProviders() []entity.Provider {
	providers := s.avatarProvider()
	providers = append(providers, s.userNaming(), s.sqlProvider(), s.userPosix())
	return providers
}

// userNaming assigns the POSIX account name and home directory on create.
// An empty e-mail is stored as NULL so that it does not collide.
func (s *Service) userNaming() entity.Provider {
	return entity.ProviderFuncs{
		NoCompensation: true,
		Create: func(_ context.Context, e *entity.Entity) error {
			if err := blankEmail(e); err != nil {
				return err
			}
			if !s.profile.AdministersPosix() || !e.IsNull("unix_group") {
				return nil
			}
			name, err := s.unixName(e.String("login"))
			if err != nil {
				return err
			}
			if err := e.SetInternal("unix_group", name); err != nil {
				return err
			}
			return e.SetInternal("home_dir", filepath.Join(s.profile.HomeDir, name))
		},
		Update: func(_ context.Context, e *entity.Entity) error {
			return blankEmail(e)
		},
	}
}

func blankEmail(e *entity.Entity) error {
	if !e.IsNull("email") && e.String("email") == "" {
		return e.SetInternal("email", nil)
	}
	return nil
}

// userPosix queues the OS account changes that follow a saved row
func (s *Service) userPosix() entity.Provider {
	return entity.ProviderFuncs{
		NoCompensation: true,
		Create: func(ctx context.Context, e *entity.Entity) error {
			u := &User{e}
			login := u.UnixGroup()
			if login == "" {
				return nil
			}
			cmds := []posix.Command{
				posix.UserAdd(login, u.HomeDir(), u.FullName(), ""),
				posix.DirMake(u.HomeDir(), login, login, "0700"),
			}
			if hash := u.PasswordHash(); hash != "" {
				cmds = append(cmds, posix.UserSetPassword(login, hash))
			}
			if u.IsLocked() {
				cmds = append(cmds, posix.UserLock(login, true))
			}
			return posix.Enqueue(ctx, cmds...)
		},
		Update: func(ctx context.Context, e *entity.Entity) error {
			u := &User{e}
			login := u.UnixGroup()
			if login == "" {
				return nil
			}
			var cmds []posix.Command
			if e.IsDirty("name") || e.IsDirty("surname") {
				cmds = append(cmds, posix.UserUpdate(login, u.FullName()))
			}
			if e.IsDirty("password_hash") && u.PasswordHash() != "" {
				cmds = append(cmds, posix.UserSetPassword(login, u.PasswordHash()))
			}
			if e.IsDirty("is_locked") {
				cmds = append(cmds, posix.UserLock(login, u.IsLocked()))
			}
			return posix.Enqueue(ctx, cmds...)
		},
		Delete: func(ctx context.Context, e *entity.Entity) error {
			login := e.String("unix_group")
			if login == "" {
				return nil
			}
			return posix.Enqueue(ctx, posix.UserRemove(login))
		},
	}
}

// Users returns a reader over users with the filters login, email, is_locked,
// is_superuser, is_support, group, governed_group and q (name, surname,
// login or e-mail substring)
func (s *Service) Users() *entity.Collection[*User] {
	set := entity.NewSet(entity.SetConfig{
		DB:         s.db,
		Schema:     UserSchema,
		Alias:      "u",
		Providers:  s.userProviders(),
		AliasField: "login",
		Filters: map[string]entity.Filter{
			"login":        entity.Equals("u.login"),
			"email":        entity.Equals("u.email"),
			"is_locked":    entity.Equals("u.is_locked"),
			"is_superuser": entity.Equals("u.is_superuser"),
			"is_support":   entity.Equals("u.is_support"),
			"q":            entity.Search("u.name", "u.surname", "u.login", "u.email"),
			"group": func(q *entity.Query, v interface{}) {
				q.Where("EXISTS (SELECT 1 FROM core_group_user gu WHERE gu.user_id = u.id AND gu.group_id = ?)", v)
			},
			"governed_group": func(q *entity.Query, v interface{}) {
				q.Where("EXISTS (SELECT 1 FROM core_group_user gu WHERE gu.user_id = u.id AND gu.group_id = ? AND gu.is_governor)", v)
			},
		},
		OrderBy: []string{"u.surname", "u.name", "u.login", "u.id"},
	})
	return entity.NewCollection(set, func(e *entity.Entity) *User { return &User{e} })
}

// NewUser returns an unsaved user
func (s *Service) NewUser(login string) (*User, error) {
	u := &User{entity.New(UserSchema, s.userProviders()...)}
	if err := u.Set("login", login); err != nil {
		return nil, err
	}
	return u, nil
}

// SaveUser creates or updates a user
func (s *Service) SaveUser(ctx context.Context, u *User) error {
	return s.Atomic(ctx, u.Save)
}

// DeleteUser removes a user with memberships and tokens. Groups the user
// governs are deleted as well; governing the root group of a project and
// being the support user forbid the deletion.
func (s *Service) DeleteUser(ctx context.Context, u *User) error {
	if u.IsSupport() {
		return errdefs.NotPermitted("the support user cannot be deleted")
	}
	return s.Atomic(ctx, func(ctx context.Context) error {
		governed, err := s.Groups().Where("governor", u.ID())
		if err != nil {
			return err
		}
		groups, err := governed.All(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			n, err := s.Projects().Where("root_group", g.ID())
			if err != nil {
				return err
			}
			count, err := n.Count(ctx)
			if err != nil {
				return err
			}
			if count > 0 {
				return errdefs.NotPermitted("user %s governs group %q which is the root group of a project", u.Login(), g.Name())
			}
		}
		for _, g := range groups {
			if err := g.Delete(ctx); err != nil {
				return fmt.Errorf("failed to delete group %q governed by %s: %w", g.Name(), u.Login(), err)
			}
		}
		return u.Delete(ctx)
	})
}

// Support returns the built-in support user
func (s *Service) Support(ctx context.Context) (*User, error) {
	users, err := s.Users().Where("is_support", true)
	if err != nil {
		return nil, err
	}
	return users.Index(ctx, 0)
}

// EnsureSupport creates the support user unless it exists. The support
// user is a superuser without a password.
func (s *Service) EnsureSupport(ctx context.Context) (*User, error) {
	var support *User
	err := s.Atomic(ctx, func(ctx context.Context) error {
		existing, err := s.Support(ctx)
		if err == nil {
			support = existing
			return nil
		}
		if !errdefs.IsNotFound(err) {
			return err
		}
		u, err := s.NewUser(SupportLogin)
		if err != nil {
			return err
		}
		for name, v := range map[string]interface{}{"name": "Support", "surname": "Service", "is_superuser": true} {
			if err := u.Set(name, v); err != nil {
				return err
			}
		}
		if err := u.SetInternal("is_support", true); err != nil {
			return err
		}
		if err := u.Create(ctx); err != nil {
			return fmt.Errorf("failed to create the support user: %w", err)
		}
		support = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return support, nil
}

// userUnixGroups returns the POSIX names of users, skipping users without one
func (s *Service) userUnixGroups(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := storage.Querier(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posix names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan posix name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read posix names: %w", err)
	}
	return names, nil
}
