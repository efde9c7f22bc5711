package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "empty body", body: ``},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.True(t, errdefs.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseJSON_TooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", strings.NewReader(`{"name": "`+strings.Repeat("x", 100)+`"}`))
	req.Body = http.MaxBytesReader(w, req.Body, 10)

	var dest map[string]string
	err := ParseJSON(req, &dest)
	assert.Equal(t, errdefs.CodeFileUploadError, errdefs.Code(err))
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{invalid}`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"validation_error"`)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]string
		expected int64
		notFound bool
	}{
		{name: "valid", vars: map[string]string{"id": "9223372036854775807"}, expected: 9223372036854775807},
		{name: "missing", vars: map[string]string{}, notFound: true},
		{name: "not a number", vars: map[string]string{"id": "abc"}, notFound: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest("GET", "/test", nil), tt.vars)
			val, err := ParsePathInt64(req, "id")
			if tt.notFound {
				assert.True(t, errdefs.IsNotFound(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := mux.SetURLVars(httptest.NewRequest("GET", "/test", nil), map[string]string{"id": "x"})

	_, ok := ParsePathInt64OrError(w, req, "id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest("GET", "/test", nil), map[string]string{"alias": "proj"})
	val, err := ParsePathString(req, "alias")
	require.NoError(t, err)
	assert.Equal(t, "proj", val)

	_, err = ParsePathString(req, "other")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?limit=50&bad=x", nil)

	val, err := ParseQueryInt(req, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 50, val)

	val, err = ParseQueryInt(req, "missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, val)

	_, err = ParseQueryInt(req, "bad", 10)
	assert.True(t, errdefs.IsInvalid(err))
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?q=ivanov", nil)
	assert.Equal(t, "ivanov", ParseQueryString(req, "q", ""))
	assert.Equal(t, "basic", ParseQueryString(req, "profile", "basic"))
}

func TestParseQueryBool(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?is_locked=true&bad=maybe", nil)

	val, set, err := ParseQueryBool(req, "is_locked")
	require.NoError(t, err)
	assert.True(t, set)
	assert.True(t, val)

	_, set, err = ParseQueryBool(req, "is_superuser")
	require.NoError(t, err)
	assert.False(t, set)

	_, _, err = ParseQueryBool(req, "bad")
	assert.True(t, errdefs.IsInvalid(err))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.3, 10.0.0.1")
	assert.Equal(t, "198.51.100.3", ClientIP(req))
}

func BenchmarkParseJSON(b *testing.B) {
	body := `{"login":"ivanov","name":"Ivan","surname":"Ivanov"}`
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/test", strings.NewReader(body))
		var dest map[string]string
		_ = ParseJSON(req, &dest)
	}
}
