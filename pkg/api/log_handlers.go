package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/corefacility/corefacility/pkg/entity"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/logs"
)

// timeFilter narrows a collection by an RFC 3339 query parameter
func timeFilter[T any](r *http.Request, c *entity.Collection[T], name string) (*entity.Collection[T], error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return c, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errdefs.FieldInvalid(name, "expected an RFC 3339 time, got %q", raw)
	}
	return c.Where(name, t.UTC())
}

// listLogs pages through request logs, newest first
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	c, err := filter(r, s.deps.Logs.Logs(), "address")
	if err == nil && r.URL.Query().Has("method") {
		c, err = c.Where("method", strings.ToUpper(r.URL.Query().Get("method")))
	}
	if err == nil {
		c, err = idFilter(r, c, "user")
	}
	if err == nil {
		c, err = timeFilter(r, c, "from")
	}
	if err == nil {
		c, err = timeFilter(r, c, "to")
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	writeList(w, r, c, func(l *logs.Log) LogView { return logView(l, false) })
}

func (s *Server) requestLog(w http.ResponseWriter, r *http.Request) (*logs.Log, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	l, err := s.deps.Logs.Logs().Get(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return l, true
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	l, ok := s.requestLog(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, logView(l, true))
}

// listLogRecords pages through the records of a log. ?level= narrows them.
func (s *Server) listLogRecords(w http.ResponseWriter, r *http.Request) {
	l, ok := s.requestLog(w, r)
	if !ok {
		return
	}
	c := s.deps.Logs.Records(l.ID())
	if level := r.URL.Query().Get("level"); level != "" {
		var err error
		if c, err = c.Where("level", strings.ToUpper(level)); err != nil {
			httputil.WriteAPIError(w, r, err)
			return
		}
	}
	writeList(w, r, c, recordView)
}
