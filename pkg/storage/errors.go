package storage

import (
	"errors"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

// IsUniqueViolation reports whether err is a unique constraint failure
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsForeignKeyViolation reports whether err is a foreign key failure
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// MapError converts driver constraint failures into domain errors. Other
// errors are returned unchanged.
func MapError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case IsUniqueViolation(err):
		return errdefs.Wrap(errdefs.Duplicated("%s already exists", what), err)
	case IsForeignKeyViolation(err):
		return errdefs.Wrap(errdefs.NotPermitted("%s is referenced by or refers to a missing entity", what), err)
	default:
		return err
	}
}
