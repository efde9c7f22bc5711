package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/corefacility/corefacility/pkg/contextkeys"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/observability"
)

// MaxBodyLength bounds the request and response bodies kept in a log
const MaxBodyLength = 4096

// FromContext returns the log of the current request, nil outside of one
func FromContext(ctx context.Context) *Log {
	l, _ := contextkeys.Log(ctx).(*Log)
	return l
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if room := MaxBodyLength - r.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		r.body.Write(b[:room])
	}
	return r.ResponseWriter.Write(b)
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware opens a log for every request and stores the response in it
// when the handler returns. The log is written outside of any transaction
// the handler opens, so failed requests stay on record.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body := requestBody(r)
		l, err := s.Open(ctx, r.Method, r.URL.RequestURI(), httputil.ClientIP(r), body)
		if err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to open request log")
			next.ServeHTTP(w, r)
			return
		}

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(contextkeys.WithLog(ctx, l)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if err := s.Close(context.WithoutCancel(ctx), l, status, responseBody(rec)); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to close request log")
		}
	})
}

// requestBody reads the beginning of a JSON body for the log and leaves
// the whole body readable for the handler. Secrets are masked.
func requestBody(r *http.Request) string {
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyLength))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil || len(head) == 0 {
		return ""
	}
	return mask(head)
}

func responseBody(rec *recorder) string {
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		return ""
	}
	return mask(rec.body.Bytes())
}

var secretKeys = []string{"password", "token", "secret", "activation_code"}

// mask replaces secret values of a JSON object. Anything else is kept as is.
func mask(raw []byte) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	changed := false
	for k := range obj {
		for _, secret := range secretKeys {
			if strings.Contains(strings.ToLower(k), secret) {
				obj[k] = "***"
				changed = true
				break
			}
		}
	}
	if !changed {
		return string(raw)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(out)
}
