package synchronization

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
)

// EmployeesClass is the class of the institute employee synchronization
const EmployeesClass = "synchronizations.ihna_employees"

// EmployeesSettings configure the employee directory
type EmployeesSettings struct {
	URL        string `json:"url" validate:"omitempty,url"`
	AuthToken  string `json:"auth_token"`
	PageLength int    `json:"page_length" validate:"min=1,max=1000"`
}

// Employee is one person listed by the directory
type Employee struct {
	Login   string `json:"login"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `json:"email"`
}

type employeesPage struct {
	Employees []Employee `json:"employees"`
	HasNext   bool       `json:"has_next"`
}

type employeesOptions struct {
	Page int `json:"page"`
}

type employeesApp struct {
	modules.TypedSettings[EmployeesSettings]
	users  *access.Service
	client *http.Client
}

// Apps returns the synchronization module classes. client may be nil.
func Apps(users *access.Service, client *http.Client) []modules.App {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return []modules.App{&employeesApp{users: users, client: client}}
}

func (a *employeesApp) Info() modules.Info {
	return modules.Info{
		Class:    EmployeesClass,
		Alias:    "ihna_employees",
		Name:     "IHNA RAS employees",
		Parent:   &modules.Synchronizations,
		Settings: EmployeesSettings{PageLength: 100},
	}
}

// Synchronize reads one page of the directory, then adds the employees
// without an account and updates those whose names or e-mail changed.
// Accounts missing from the directory are left alone.
func (a *employeesApp) Synchronize(ctx context.Context, m *modules.Module, options json.RawMessage) (*Result, error) {
	settings, err := modules.DecodeSettings[EmployeesSettings](m)
	if err != nil {
		return nil, err
	}
	if settings.URL == "" {
		return nil, errdefs.Unavailable("the employee directory address is not configured")
	}
	if settings.PageLength == 0 {
		settings.PageLength = 100
	}

	opts := employeesOptions{Page: 1}
	if options != nil {
		if err := json.Unmarshal(options, &opts); err != nil || opts.Page < 1 {
			return nil, errdefs.FieldInvalid("next_options", "not produced by a previous step")
		}
	}

	page, err := a.fetch(ctx, settings, opts.Page)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, e := range page.Employees {
		if d, changed := a.apply(ctx, e); changed {
			res.Details = append(res.Details, d)
		}
	}
	if page.HasNext {
		next, err := json.Marshal(employeesOptions{Page: opts.Page + 1})
		if err != nil {
			return nil, fmt.Errorf("failed to encode next options: %w", err)
		}
		res.NextOptions = next
	}
	return res, nil
}

func (a *employeesApp) fetch(ctx context.Context, settings EmployeesSettings, page int) (*employeesPage, error) {
	u, err := url.Parse(settings.URL)
	if err != nil {
		return nil, errdefs.Unavailable("the employee directory address is invalid")
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_length", strconv.Itoa(settings.PageLength))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if settings.AuthToken != "" {
		req.Header.Set("Authorization", "Token "+settings.AuthToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.Unavailable("the employee directory is unreachable"), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Unavailable("the employee directory answered %s", resp.Status)
	}

	var out employeesPage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errdefs.Wrap(errdefs.Unavailable("the employee directory answered with malformed data"), err)
	}
	return &out, nil
}

// apply brings the account of e in line and reports whether anything was
// done
func (a *employeesApp) apply(ctx context.Context, e Employee) (Detail, bool) {
	d := Detail{Login: strings.TrimSpace(e.Login), Name: e.Name, Surname: e.Surname}
	logger := observability.FromContext(ctx).WithField("login", d.Login)

	u, err := a.users.Users().GetByAlias(ctx, d.Login)
	action := ActionChange
	if errdefs.IsNotFound(err) {
		u, err = a.users.NewUser(d.Login)
		action = ActionAdd
	}
	if err != nil {
		return a.failed(d, err), true
	}

	changed := action == ActionAdd
	for field, value := range map[string]string{"name": e.Name, "surname": e.Surname, "email": e.Email} {
		if u.String(field) == value {
			continue
		}
		if err := u.Set(field, value); err != nil {
			return a.failed(d, err), true
		}
		changed = true
	}
	if !changed {
		return d, false
	}
	if err := a.users.SaveUser(ctx, u); err != nil {
		logger.WithError(err).Warn("Employee account not synchronized")
		return a.failed(d, err), true
	}
	logger.WithField("action", action).Info("Employee account synchronized")
	d.Action = action
	return d, true
}

func (a *employeesApp) failed(d Detail, err error) Detail {
	d.Action = ActionError
	d.Message = errdefs.Detail(err)
	return d
}
