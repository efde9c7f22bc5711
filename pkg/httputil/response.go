package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/observability"
)

// ErrorResponse is the error envelope of every API error
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteAPIError writes the envelope of err with the status of its kind.
// Unclassified errors are logged and reported as internal_error.
func WriteAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.Status(err)
	if status >= http.StatusInternalServerError && r != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
	}
	WriteJSON(w, status, ErrorResponse{Detail: errdefs.Detail(err), Code: errdefs.Code(err)})
}

// WriteCreated writes a 201 response with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a 200 response with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a 204 response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteJSONOrError writes data, or the envelope of err when err is not nil
func WriteJSONOrError(w http.ResponseWriter, r *http.Request, status int, data interface{}, err error) {
	if err != nil {
		WriteAPIError(w, r, err)
		return
	}
	WriteJSON(w, status, data)
}
