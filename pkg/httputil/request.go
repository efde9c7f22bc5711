package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/corefacility/corefacility/pkg/errdefs"
)

// ParseJSON decodes the request body into dest. An empty body decodes to
// the zero value.
func ParseJSON(r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errdefs.FileUpload("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errdefs.Validation("invalid JSON: %v", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes the error envelope on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteAPIError(w, r, err)
		return false
	}
	return true
}

// ParsePathInt64 extracts an int64 path parameter. A malformed id names no
// resource, so it is reported as not found.
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, errdefs.NotFound("no resource with %s %q", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes the
// error envelope on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteAPIError(w, r, err)
		return 0, false
	}
	return val, true
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", errdefs.NotFound("missing path parameter %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, errdefs.FieldInvalid(key, "invalid integer %q", str)
	}
	return val, nil
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// ParseQueryBool extracts a boolean query parameter. The second result is
// false when the parameter is absent.
func ParseQueryBool(r *http.Request, key string) (bool, bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return false, false, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, false, errdefs.FieldInvalid(key, "invalid boolean %q", str)
	}
	return val, true, nil
}

// ClientIP returns the address of the client, the first X-Forwarded-For hop
// when the request went through a proxy
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
