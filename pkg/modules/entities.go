package modules

import (
	"encoding/json"
	"strconv"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/validation"
)

// ModuleSchema describes core_module rows
var ModuleSchema = entity.NewSchema("module", "core_module",
	entity.Field{Name: "uuid", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "parent_entry_point", Kind: entity.KindRef, Column: "parent_entry_point_id", ReadOnly: true},
	entity.Field{Name: "alias", Kind: entity.KindString, Required: true, ReadOnly: true,
		Rule: "max=" + strconv.Itoa(validation.MaxAliasLength) + ",slug"},
	entity.Field{Name: "name", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "html", Kind: entity.KindString, ReadOnly: true},
	entity.Field{Name: "app_class", Kind: entity.KindString, Required: true, ReadOnly: true},
	entity.Field{Name: "user_settings", Kind: entity.KindJSON, Required: true, Default: json.RawMessage(`{}`)},
	entity.Field{Name: "is_application", Kind: entity.KindBool, Required: true, ReadOnly: true, Default: false},
	entity.Field{Name: "is_enabled", Kind: entity.KindBool, Required: true, Default: true},
	entity.Field{Name: "in_select", Kind: entity.KindBool, Required: true, ReadOnly: true, Default: false},
)

// EntryPointSchema describes core_entry_point rows
var EntryPointSchema = entity.NewSchema("entry point", "core_entry_point",
	entity.Field{Name: "alias", Kind: entity.KindString, Required: true, ReadOnly: true,
		Rule: "max=" + strconv.Itoa(validation.MaxAliasLength) + ",slug"},
	entity.Field{Name: "name", Kind: entity.KindString, Required: true},
	entity.Field{Name: "type", Kind: entity.KindString, Required: true, ReadOnly: true,
		Choices: []string{string(List), string(Select)}},
	entity.Field{Name: "belonging_module", Kind: entity.KindRef, Column: "belonging_module_id", Required: true, ReadOnly: true},
)

// Module is an installed module
type Module struct {
	*entity.Entity
	app App
}

// UUID is the identifier generated on install
func (m *Module) UUID() string { return m.String("uuid") }

// Alias is unique within the parent entry point
func (m *Module) Alias() string { return m.String("alias") }

// Name is the human readable module name
func (m *Module) Name() string { return m.String("name") }

// Class is the app class the row is linked with
func (m *Module) Class() string { return m.String("app_class") }

// ParentEntryPoint is zero for the root module
func (m *Module) ParentEntryPoint() int64 { return m.Int("parent_entry_point") }

// IsEnabled reports whether the module takes part in request handling
func (m *Module) IsEnabled() bool { return m.Bool("is_enabled") }

// IsApplication reports whether the module is a project application
func (m *Module) IsApplication() bool { return m.Bool("is_application") }

// Settings returns the raw user settings
func (m *Module) Settings() json.RawMessage { return m.JSON("user_settings") }

// App returns the registered class, nil when the class is no longer registered
func (m *Module) App() App { return m.app }

// EntryPoint is an extension slot owned by a module
type EntryPoint struct {
	*entity.Entity
}

// Alias is unique within the owning module
func (ep *EntryPoint) Alias() string { return ep.String("alias") }

// Type is list or select
func (ep *EntryPoint) Type() EntryPointType { return EntryPointType(ep.String("type")) }

// Module is the id of the owning module
func (ep *EntryPoint) Module() int64 { return ep.Int("belonging_module") }
