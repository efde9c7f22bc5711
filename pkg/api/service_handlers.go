package api

import (
	"encoding/json"
	"net/http"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/observability"
)

// SyncRequest is the body of POST /account-synchronization/. NextOptions
// is what the previous step returned, empty on the first step.
type SyncRequest struct {
	NextOptions json.RawMessage `json:"next_options"`
}

// synchronize runs one step of account synchronization. The caller repeats
// the request until next_options comes back null.
func (s *Server) synchronize(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		httputil.WriteAPIError(w, r, errdefs.NotPermitted("account synchronization is not available"))
		return
	}
	var req SyncRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	opts := req.NextOptions
	if string(opts) == "null" {
		opts = nil
	}
	res, err := s.deps.Sync.Step(r.Context(), opts)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).
		WithField("details", len(res.Details)).
		WithField("last", res.NextOptions == nil).
		Info("synchronization step finished")
	httputil.WriteSuccess(w, res)
}

// healthCheck returns the latest sample of the host
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		httputil.WriteAPIError(w, r, errdefs.NotFound("health monitoring is not configured"))
		return
	}
	sample, err := s.deps.Health.Latest(r.Context())
	httputil.WriteJSONOrError(w, r, http.StatusOK, sample, err)
}
