package api

import (
	"context"
	"net/http"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
)

func errNoRoute(r *http.Request) error {
	return errdefs.NotFound("no resource at %s", r.URL.Path)
}

// setter is implemented by every entity wrapper
type setter interface {
	Set(name string, value interface{}) error
}

// bind decodes a JSON object from the request body and assigns the fields
// named in allowed. Unknown keys are rejected; read-only keys are rejected
// by the entity itself. A PUT must carry every allowed field that is
// required on create, which the entity checks on save.
func bind(r *http.Request, e setter, allowed ...string) (map[string]interface{}, error) {
	body, err := decodeObject(r)
	if err != nil {
		return nil, err
	}
	return body, assign(e, body, allowed...)
}

func decodeObject(r *http.Request) (map[string]interface{}, error) {
	body := make(map[string]interface{})
	if err := httputil.ParseJSON(r, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// assign sets the fields of body named in allowed
func assign(e setter, body map[string]interface{}, allowed ...string) error {
	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}
	for name, value := range body {
		if !permitted[name] {
			return errdefs.FieldInvalid(name, "the field cannot be set here")
		}
		if err := e.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// stringField reads a required string member of a decoded body
func stringField(body map[string]interface{}, name string) (string, error) {
	v, ok := body[name].(string)
	if !ok || v == "" {
		return "", errdefs.FieldInvalid(name, "this field is required")
	}
	return v, nil
}

// filter narrows a collection by the query parameters named in params.
// Absent parameters are skipped.
func filter[T any](r *http.Request, c *entity.Collection[T], params ...string) (*entity.Collection[T], error) {
	q := r.URL.Query()
	for _, name := range params {
		if !q.Has(name) {
			continue
		}
		var err error
		if c, err = c.Where(name, q.Get(name)); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// boolFilter narrows a collection by a boolean query parameter
func boolFilter[T any](r *http.Request, c *entity.Collection[T], name string) (*entity.Collection[T], error) {
	v, set, err := httputil.ParseQueryBool(r, name)
	if err != nil || !set {
		return c, err
	}
	return c.Where(name, v)
}

// idFilter narrows a collection by a numeric query parameter
func idFilter[T any](r *http.Request, c *entity.Collection[T], name string) (*entity.Collection[T], error) {
	if !r.URL.Query().Has(name) {
		return c, nil
	}
	id, err := httputil.ParseQueryInt(r, name, 0)
	if err != nil {
		return nil, err
	}
	return c.Where(name, int64(id))
}

// page reads the page asked for with ?profile= and ?page= and renders its
// items with view
func page[T any, V any](r *http.Request, c *entity.Collection[T], view func(T) V) (httputil.Page, error) {
	p, err := httputil.ParsePagination(r)
	if err != nil {
		return httputil.Page{}, err
	}
	count, err := c.Count(r.Context())
	if err != nil {
		return httputil.Page{}, err
	}
	items, err := c.Slice(r.Context(), p.Offset(), p.Offset()+p.Size, 1)
	if err != nil {
		return httputil.Page{}, err
	}
	results := make([]V, 0, len(items))
	for _, item := range items {
		results = append(results, view(item))
	}
	return httputil.NewPage(r, p, count, results), nil
}

// writeList answers with one page of c
func writeList[T any, V any](w http.ResponseWriter, r *http.Request, c *entity.Collection[T], view func(T) V) {
	pg, err := page(r, c, view)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, pg)
}

func currentUser(ctx context.Context) *access.User {
	return authorization.UserFromContext(ctx)
}

// pathID parses a numeric path variable; the routes only match digits
func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	return httputil.ParsePathInt64OrError(w, r, key)
}
