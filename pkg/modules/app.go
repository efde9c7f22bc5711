package modules

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/validation"
)

// EntryPointType is the cardinality of an entry point
type EntryPointType string

const (
	// List entry points host any number of enabled modules
	List EntryPointType = "list"
	// Select entry points host at most one enabled module
	Select EntryPointType = "select"
)

// CoreClass is the class of the root module
const CoreClass = "core"

// EntryPointRef names an entry point by the class of the module owning it
type EntryPointRef struct {
	Module     string
	EntryPoint string
}

func (r EntryPointRef) String() string { return r.Module + "/" + r.EntryPoint }

// EntryPointInfo declares an entry point owned by a module
type EntryPointInfo struct {
	Alias string
	Name  string
	Type  EntryPointType
}

// Requirements restrict the profiles under which a module may be enabled
type Requirements struct {
	Email bool
	POSIX bool
	// FullServer modules cannot run where POSIX administration is only suggested
	FullServer bool
	// Profiles, when set, lists the only profiles the module supports
	Profiles []config.ProfileName
}

// Check returns a validation error when the profile cannot run the module
func (r Requirements) Check(p config.Profile) error {
	if r.Email && !p.EmailSupport {
		return errdefs.Validation("the module requires e-mail support")
	}
	if r.POSIX && !p.POSIXHost {
		return errdefs.Validation("the module requires a POSIX host")
	}
	if r.FullServer && p.Name != config.FullServer {
		return errdefs.Validation("the module requires the %s profile", config.FullServer)
	}
	if len(r.Profiles) > 0 {
		for _, name := range r.Profiles {
			if name == p.Name {
				return nil
			}
		}
		return errdefs.Validation("the module is not available under the %s profile", p.Name)
	}
	return nil
}

// Info is the static description of a module class
type Info struct {
	// Class is the stable identifier the module row is linked with
	Class string
	Alias string
	Name  string
	HTML  string
	// Parent is nil only for the root module
	Parent           *EntryPointRef
	EnabledByDefault bool
	IsApplication    bool
	EntryPoints      []EntryPointInfo
	Requires         Requirements
	// Settings are the user settings written on install
	Settings interface{}
}

// App is a module class known to the registry
type App interface {
	Info() Info
}

// SettingsSerializer validates user settings written through the registry
// and returns their canonical form
type SettingsSerializer interface {
	ValidateSettings(raw json.RawMessage) (json.RawMessage, error)
}

// BaseApp is an App with no behavior beyond its description
type BaseApp struct {
	Desc Info
}

// Info returns the description
func (a BaseApp) Info() Info { return a.Desc }

// TypedSettings implements SettingsSerializer by decoding into T, which
// may carry validate tags
type TypedSettings[T any] struct{}

// ValidateSettings decodes raw strictly into T and validates it
func (TypedSettings[T]) ValidateSettings(raw json.RawMessage) (json.RawMessage, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, errdefs.FieldInvalid("user_settings", "%v", err)
	}
	if err := validation.Struct(v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return out, nil
}

// DecodeSettings reads the user settings of a module into T
func DecodeSettings[T any](m *Module) (T, error) {
	var v T
	raw := m.Settings()
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode settings of %s: %w", m.Class(), err)
	}
	return v, nil
}

// Core is the root module. Authorization, synchronization and project
// applications hang off its entry points.
func Core() App {
	return BaseApp{Desc: Info{
		Class:            CoreClass,
		Alias:            "core",
		Name:             "Core functionality",
		EnabledByDefault: true,
		EntryPoints: []EntryPointInfo{
			{Alias: "authorizations", Name: "Authorization methods", Type: List},
			{Alias: "synchronizations", Name: "Account synchronization", Type: Select},
			{Alias: "projects", Name: "Project applications", Type: List},
		},
		Settings: map[string]interface{}{},
	}}
}

// Standard entry points of the root module
var (
	Authorizations   = EntryPointRef{Module: CoreClass, EntryPoint: "authorizations"}
	Synchronizations = EntryPointRef{Module: CoreClass, EntryPoint: "synchronizations"}
	Projects         = EntryPointRef{Module: CoreClass, EntryPoint: "projects"}
)
