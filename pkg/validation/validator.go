package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

const (
	// MaxAliasLength bounds module, entry point and project aliases
	MaxAliasLength = 64
	// MaxLoginLength bounds user logins
	MaxLoginLength = 100
	// MaxUnixNameLength is the portable POSIX name length
	MaxUnixNameLength = 32
)

var (
	slugPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	unixNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
)

// validate is shared by every caller; validator.Validate caches struct
// metadata and is safe for concurrent use.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("slug", validateSlug)
	_ = validate.RegisterValidation("unixname", validateUnixName)
}

func validateSlug(fl validator.FieldLevel) bool {
	return slugPattern.MatchString(fl.Field().String())
}

func validateUnixName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return len(s) <= MaxUnixNameLength && unixNamePattern.MatchString(s)
}

// Var validates one value against a tag expression and names the field in
// the returned error
func Var(field string, value interface{}, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		return fieldError(field, err)
	}
	return nil
}

// Struct validates a struct with `validate` tags
func Struct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(strings.ToLower(verrs[0].Field()), verrs)
		}
		return errdefs.Validation("%v", err)
	}
	return nil
}

// Slug checks an alias: 1..max symbols, case-sensitive, slug alphabet
func Slug(field, value string, max int) error {
	return Var(field, value, fmt.Sprintf("required,max=%d,slug", max))
}

// Email checks an e-mail address
func Email(field, value string) error {
	return Var(field, value, "required,email,max=254")
}

// UnixName checks a POSIX user or group name
func UnixName(field, value string) error {
	return Var(field, value, "required,unixname")
}

func fieldError(field string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return errdefs.FieldInvalid(field, "this field is required")
		case "max":
			return errdefs.FieldInvalid(field, "must be at most %s characters", fe.Param())
		case "min":
			return errdefs.FieldInvalid(field, "must be at least %s characters", fe.Param())
		case "slug":
			return errdefs.FieldInvalid(field, "may contain only latin letters, digits, '-' and '_'")
		case "unixname":
			return errdefs.FieldInvalid(field, "is not a valid POSIX name")
		case "email":
			return errdefs.FieldInvalid(field, "is not a valid e-mail address")
		default:
			return errdefs.FieldInvalid(field, "failed the %q rule", fe.Tag())
		}
	}
	return errdefs.FieldInvalid(field, "%v", err)
}
