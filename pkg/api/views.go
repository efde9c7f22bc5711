package api

import (
	"encoding/json"
	"time"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/logs"
	"github.com/corefacility/corefacility/pkg/modules"
)

// UserView is the JSON form of a user
type UserView struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	IsLocked    bool   `json:"is_locked"`
	IsSuperuser bool   `json:"is_superuser"`
	IsSupport   bool   `json:"is_support"`
	Avatar      string `json:"avatar,omitempty"`
	UnixGroup   string `json:"unix_group,omitempty"`
	HomeDir     string `json:"home_dir,omitempty"`
}

func userView(u *access.User) UserView {
	return UserView{
		ID:          u.ID(),
		Login:       u.Login(),
		Name:        u.Name(),
		Surname:     u.Surname(),
		Email:       u.Email(),
		Phone:       u.String("phone"),
		IsLocked:    u.IsLocked(),
		IsSuperuser: u.IsSuperuser(),
		IsSupport:   u.IsSupport(),
		Avatar:      u.String("avatar"),
		UnixGroup:   u.UnixGroup(),
		HomeDir:     u.HomeDir(),
	}
}

// GroupView is the JSON form of a group
type GroupView struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Governor *UserView `json:"governor"`
}

// ProjectView is the JSON form of a project
type ProjectView struct {
	ID          int64  `json:"id"`
	Alias       string `json:"alias"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Avatar      string `json:"avatar,omitempty"`
	RootGroup   int64  `json:"root_group"`
	UnixGroup   string `json:"unix_group,omitempty"`
	ProjectDir  string `json:"project_dir,omitempty"`
	// AccessLevel is the level of the requesting user
	AccessLevel    string `json:"user_access_level,omitempty"`
	IsUserGovernor bool   `json:"is_user_governor"`
}

func projectView(p *access.Project) ProjectView {
	return ProjectView{
		ID:          p.ID(),
		Alias:       p.Alias(),
		Name:        p.Name(),
		Description: p.String("description"),
		Avatar:      p.String("avatar"),
		RootGroup:   p.RootGroupID(),
		UnixGroup:   p.UnixGroup(),
		ProjectDir:  p.Dir(),
	}
}

// ModuleView is the JSON form of an installed module
type ModuleView struct {
	UUID             string          `json:"uuid"`
	Alias            string          `json:"alias"`
	Name             string          `json:"name"`
	Class            string          `json:"app_class"`
	ParentEntryPoint int64           `json:"parent_entry_point,omitempty"`
	IsApplication    bool            `json:"is_application"`
	IsEnabled        bool            `json:"is_enabled"`
	Settings         json.RawMessage `json:"user_settings"`
}

func moduleView(m *modules.Module) ModuleView {
	return ModuleView{
		UUID:             m.UUID(),
		Alias:            m.Alias(),
		Name:             m.Name(),
		Class:            m.Class(),
		ParentEntryPoint: m.ParentEntryPoint(),
		IsApplication:    m.IsApplication(),
		IsEnabled:        m.IsEnabled(),
		Settings:         m.Settings(),
	}
}

// EntryPointView is the JSON form of an entry point
type EntryPointView struct {
	ID     int64  `json:"id"`
	Alias  string `json:"alias"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Module int64  `json:"belonging_module"`
}

func entryPointView(ep *modules.EntryPoint) EntryPointView {
	return EntryPointView{
		ID:     ep.ID(),
		Alias:  ep.Alias(),
		Name:   ep.String("name"),
		Type:   string(ep.Type()),
		Module: ep.Module(),
	}
}

// AccountView is the JSON form of an external account binding
type AccountView struct {
	ID         int64  `json:"id"`
	Module     string `json:"module"`
	User       int64  `json:"user"`
	ExternalID string `json:"external_id"`
}

func accountView(alias string, a *external.Account) AccountView {
	return AccountView{ID: a.ID(), Module: alias, User: a.UserID(), ExternalID: a.ExternalID()}
}

// LogView is the JSON form of a request log
type LogView struct {
	ID           int64     `json:"id"`
	RequestDate  time.Time `json:"request_date"`
	Address      string    `json:"log_address"`
	Method       string    `json:"request_method"`
	User         *int64    `json:"user"`
	IPAddress    string    `json:"ip_address"`
	Status       int       `json:"response_status"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
}

func logView(l *logs.Log, detailed bool) LogView {
	v := LogView{
		ID:          l.ID(),
		RequestDate: l.RequestDate(),
		Address:     l.Address(),
		Method:      l.Method(),
		IPAddress:   l.String("ip_address"),
		Status:      l.Status(),
	}
	if !l.IsNull("user") {
		id := l.UserID()
		v.User = &id
	}
	if detailed {
		v.RequestBody = l.String("request_body")
		v.ResponseBody = l.String("response_body")
	}
	return v
}

// RecordView is the JSON form of a log record
type RecordView struct {
	ID         int64     `json:"id"`
	RecordTime time.Time `json:"record_time"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
}

func recordView(r *logs.Record) RecordView {
	return RecordView{ID: r.ID(), RecordTime: r.RecordedAt(), Level: r.Level(), Message: r.Message()}
}

// MapView is the JSON form of a functional map
type MapView struct {
	ID          int64   `json:"id"`
	Alias       string  `json:"alias"`
	Type        string  `json:"type"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	ResolutionX int     `json:"resolution_x"`
	ResolutionY int     `json:"resolution_y"`
	HasData     bool    `json:"has_data"`
}

func mapView(m *imaging.Map) MapView {
	return MapView{
		ID:          m.ID(),
		Alias:       m.Alias(),
		Type:        m.Type(),
		Width:       m.Width(),
		Height:      m.Height(),
		ResolutionX: m.ResolutionX(),
		ResolutionY: m.ResolutionY(),
		HasData:     m.HasData(),
	}
}

// PinwheelView is the JSON form of a pinwheel
type PinwheelView struct {
	ID int64 `json:"id"`
	X  int   `json:"x"`
	Y  int   `json:"y"`
}

// ROIView is the JSON form of a rectangular region
type ROIView struct {
	ID     int64 `json:"id"`
	Left   int   `json:"left"`
	Right  int   `json:"right"`
	Top    int   `json:"top"`
	Bottom int   `json:"bottom"`
}

func roiView(r *imaging.RectangularROI) ROIView {
	return ROIView{ID: r.ID(), Left: r.Left(), Right: r.Right(), Top: r.Top(), Bottom: r.Bottom()}
}
