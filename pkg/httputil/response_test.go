package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		detail string
	}{
		{"not found", errdefs.NotFound("user 7 not found"), http.StatusNotFound, "entity_not_found", "user 7 not found"},
		{"duplicated", errdefs.Duplicated("login taken"), http.StatusBadRequest, "entity_duplicated", "login taken"},
		{"invalid field", errdefs.FieldInvalid("alias", "too long"), http.StatusBadRequest, "entity_field_invalid", ""},
		{"authentication", errdefs.AuthenticationFailed(), http.StatusUnauthorized, "authentication_failed", ""},
		{"permission", errdefs.PermissionDenied("no"), http.StatusForbidden, "permission_denied", "no"},
		{"profile", errdefs.BadOutputProfile("huge"), http.StatusBadRequest, "bad_output_profile", ""},
		{"map processing", errdefs.MapProcessing(errdefs.CodeMapAliasDuplicated, "exists"), http.StatusBadRequest, "map_processing_alias_duplicated", "exists"},
		{"unclassified", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error", "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", "/api/v1/users/", nil)

			WriteAPIError(w, r, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, body.Detail)
			}
			assert.NotContains(t, w.Body.String(), "pq:")
		})
	}
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteCreated(w, map[string]int{"id": 1}))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestWriteJSONOrError(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)

	w := httptest.NewRecorder()
	WriteJSONOrError(w, r, http.StatusOK, []int{1}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	WriteJSONOrError(w, r, http.StatusOK, nil, errdefs.NotFound("gone"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	rec := NewStatusRecorder(w, 4)
	rec.WriteHeader(http.StatusTeapot)
	_, _ = rec.Write([]byte("abcdef"))

	assert.Equal(t, http.StatusTeapot, rec.Status)
	assert.Equal(t, "abcd", string(rec.Body))
	assert.Equal(t, "abcdef", w.Body.String())
}
