package httputil

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

// Output profiles and their page sizes
var pageSizes = map[string]int{
	"basic": 20,
	"light": 6,
}

// DefaultProfile is used when ?profile= is absent
const DefaultProfile = "basic"

// Page is the paginated list envelope
type Page struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  interface{} `json:"results"`
}

// Pagination is the window requested by ?profile=, ?page= and ?page_size=
type Pagination struct {
	Profile string
	Page    int
	Size    int
}

// Offset of the first item of the page
func (p Pagination) Offset() int { return (p.Page - 1) * p.Size }

// ParsePagination reads the output profile and the page. An unknown profile
// fails with bad_output_profile.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Profile: ParseQueryString(r, "profile", DefaultProfile)}
	size, ok := pageSizes[p.Profile]
	if !ok {
		return p, errdefs.BadOutputProfile(p.Profile)
	}
	var err error
	if p.Page, err = ParseQueryInt(r, "page", 1); err != nil {
		return p, err
	}
	if p.Page < 1 {
		return p, errdefs.FieldInvalid("page", "must be positive")
	}
	if p.Size, err = ParseQueryInt(r, "page_size", size); err != nil {
		return p, err
	}
	if p.Size < 1 || p.Size > 100 {
		return p, errdefs.FieldInvalid("page_size", "must be between 1 and 100")
	}
	return p, nil
}

// NewPage builds the envelope for one page of count items with links
// derived from the request URL
func NewPage(r *http.Request, p Pagination, count int, results interface{}) Page {
	page := Page{Count: count, Results: results}
	link := func(n int) *string {
		u := url.URL{Path: r.URL.Path}
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(n))
		u.RawQuery = q.Encode()
		s := u.String()
		return &s
	}
	if p.Offset()+p.Size < count {
		page.Next = link(p.Page + 1)
	}
	if p.Page > 1 {
		page.Previous = link(p.Page - 1)
	}
	return page
}
