package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Pagination
		errCode string
	}{
		{name: "defaults", query: "", want: Pagination{Profile: "basic", Page: 1, Size: 20}},
		{name: "light", query: "?profile=light&page=3", want: Pagination{Profile: "light", Page: 3, Size: 6}},
		{name: "explicit size", query: "?page_size=50", want: Pagination{Profile: "basic", Page: 1, Size: 50}},
		{name: "unknown profile", query: "?profile=huge", errCode: errdefs.CodeBadOutputProfile},
		{name: "zero page", query: "?page=0", errCode: errdefs.CodeEntityFieldInvalid},
		{name: "oversized page", query: "?page_size=1000", errCode: errdefs.CodeEntityFieldInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePagination(httptest.NewRequest("GET", "/api/v1/users/"+tt.query, nil))
			if tt.errCode != "" {
				assert.Equal(t, tt.errCode, errdefs.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestNewPage(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/users/?profile=light&page=2&q=iv", nil)
	p, err := ParsePagination(r)
	require.NoError(t, err)
	assert.Equal(t, 6, p.Offset())

	page := NewPage(r, p, 20, []string{"x"})
	assert.Equal(t, 20, page.Count)
	require.NotNil(t, page.Next)
	assert.Equal(t, "/api/v1/users/?page=3&profile=light&q=iv", *page.Next)
	require.NotNil(t, page.Previous)
	assert.Equal(t, "/api/v1/users/?page=1&profile=light&q=iv", *page.Previous)

	last := NewPage(r, Pagination{Profile: "light", Page: 4, Size: 6}, 20, nil)
	assert.Nil(t, last.Next)
}
