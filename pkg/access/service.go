package access

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/validation"
)

// Service owns users, groups, projects and permissions. Every write runs
// through the POSIX transactor so that OS commands queued by the providers
// commit or roll back together with the rows.
type Service struct {
	db      *sql.DB
	tx      *posix.Transactor
	profile config.Profile
	blobs   storage.BlobStore
	levels  *Levels
}

// NewService creates the access service. blobs may be nil, in which case
// avatars cannot be uploaded.
func NewService(db *sql.DB, tx *posix.Transactor, profile config.Profile, blobs storage.BlobStore) *Service {
	return &Service{
		db:      db,
		tx:      tx,
		profile: profile,
		blobs:   blobs,
		levels:  NewLevels(db),
	}
}

// Levels returns the access level lattices
func (s *Service) Levels() *Levels { return s.levels }

// Profile returns the configuration profile the service runs under
func (s *Service) Profile() config.Profile { return s.profile }

// Atomic runs fn in one database transaction and POSIX command queue
func (s *Service) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.Atomic(ctx, fn)
}

func (s *Service) sqlProvider() entity.Provider {
	return entity.NewSQLProvider(s.db)
}

// avatarProvider stores avatars under avatars/ keyed by content
func (s *Service) avatarProvider() []entity.Provider {
	if s.blobs == nil {
		return nil
	}
	return []entity.Provider{entity.NewFileProvider(s.blobs, "avatar", entity.ContentKey("avatars", ""), "")}
}

var unixUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

// unixName derives a POSIX account or group name from an alias
func (s *Service) unixName(alias string) (string, error) {
	name := unixUnsafe.ReplaceAllString(strings.ToLower(alias), "_")
	name = s.profile.UnixPrefix + name
	if name == "" || !(name[0] == '_' || (name[0] >= 'a' && name[0] <= 'z')) {
		name = "_" + name
	}
	if len(name) > validation.MaxUnixNameLength {
		name = name[:validation.MaxUnixNameLength]
	}
	if err := validation.UnixName("unix_group", name); err != nil {
		return "", err
	}
	return name, nil
}
