package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/observability"
)

// mapFields are the writable fields of a functional map
var mapFields = []string{"alias", "type", "width", "height"}

func (s *Server) imagingRoutes(api *mux.Router) {
	im := api.PathPrefix("/projects/{lookup}/imaging").Subrouter()
	im.Use(authorization.RequireUser)

	im.HandleFunc("/data/", s.listMaps).Methods(http.MethodGet)
	im.HandleFunc("/data/", s.createMap).Methods(http.MethodPost)
	im.HandleFunc("/data/{map}/", s.getMap).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/", s.updateMap).Methods(http.MethodPut, http.MethodPatch)
	im.HandleFunc("/data/{map}/", s.deleteMap).Methods(http.MethodDelete)
	im.HandleFunc("/data/{map}/npy/", s.downloadMap).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/npy/", s.uploadMap).Methods(http.MethodPut, http.MethodPost)

	im.HandleFunc("/data/{map}/pinwheels/", s.listPinwheels).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/pinwheels/", s.createPinwheel).Methods(http.MethodPost)
	im.HandleFunc("/data/{map}/pinwheels/distance_map/", s.distanceMap).Methods(http.MethodPost)
	im.HandleFunc("/data/{map}/pinwheels/{id:[0-9]+}/", s.getPinwheel).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/pinwheels/{id:[0-9]+}/", s.updatePinwheel).Methods(http.MethodPut, http.MethodPatch)
	im.HandleFunc("/data/{map}/pinwheels/{id:[0-9]+}/", s.deletePinwheel).Methods(http.MethodDelete)

	im.HandleFunc("/data/{map}/rectangular-roi/", s.listROIs).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/rectangular-roi/", s.createROI).Methods(http.MethodPost)
	im.HandleFunc("/data/{map}/rectangular-roi/{id:[0-9]+}/", s.getROI).Methods(http.MethodGet)
	im.HandleFunc("/data/{map}/rectangular-roi/{id:[0-9]+}/", s.updateROI).Methods(http.MethodPut, http.MethodPatch)
	im.HandleFunc("/data/{map}/rectangular-roi/{id:[0-9]+}/", s.deleteROI).Methods(http.MethodDelete)
	im.HandleFunc("/data/{map}/rectangular-roi/{id:[0-9]+}/cut/", s.cutROI).Methods(http.MethodPost)
}

// imagingProject loads the project of an imaging route and checks the
// application level: usage for reads, add for writes
func (s *Server) imagingProject(w http.ResponseWriter, r *http.Request) (*access.Project, bool) {
	p, ok := s.project(w, r)
	if !ok {
		return nil, false
	}
	level := access.AppAdd
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		level = access.AppUsage
	}
	if err := s.deps.Imaging.Authorize(r.Context(), currentUser(r.Context()), p, level); err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return p, true
}

func (s *Server) functionalMap(w http.ResponseWriter, r *http.Request) (*access.Project, *imaging.Map, bool) {
	p, ok := s.imagingProject(w, r)
	if !ok {
		return nil, nil, false
	}
	m, err := s.deps.Imaging.Maps(p).GetByAlias(r.Context(), mux.Vars(r)["map"])
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, nil, false
	}
	return p, m, true
}

func mapURL(p *access.Project, m *imaging.Map) string {
	return fmt.Sprintf("%s/projects/%s/imaging/data/%s/", Prefix, p.Alias(), m.Alias())
}

func (s *Server) listMaps(w http.ResponseWriter, r *http.Request) {
	p, ok := s.imagingProject(w, r)
	if !ok {
		return
	}
	maps, err := filter(r, s.deps.Imaging.Maps(p), "alias", "type", "q")
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	writeList(w, r, maps, mapView)
}

func (s *Server) createMap(w http.ResponseWriter, r *http.Request) {
	p, ok := s.imagingProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Alias  string  `json:"alias"`
		Type   string  `json:"type"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	m, err := s.deps.Imaging.NewMap(p, req.Alias, req.Type, req.Width, req.Height)
	if err == nil {
		err = s.deps.Imaging.SaveMap(r.Context(), m)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteCreated(w, mapView(m))
}

func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, mapView(m))
}

func (s *Server) updateMap(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	if _, err := bind(r, m, mapFields...); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Imaging.SaveMap(r.Context(), m); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, mapView(m))
}

func (s *Server) deleteMap(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	if err := s.deps.Imaging.DeleteMap(r.Context(), m); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) downloadMap(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	rc, err := s.deps.Imaging.Open(r.Context(), m)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": m.Alias() + ".npy"}))
	if _, err := io.Copy(w, rc); err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("map", m.Alias()).Warn("map download interrupted")
	}
}

// readUpload returns the content of an upload: the body of an
// application/octet-stream request, or the single file of a
// multipart/form-data request
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.deps.MaxUploadSize
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, errdefs.FileUpload("the request has no valid content type")
	}
	tooLarge := func(err error) error {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return errdefs.FileUpload("the file exceeds %d bytes", limit)
		}
		return errdefs.FileUpload("the upload is unreadable: %v", err)
	}
	switch mediaType {
	case "application/octet-stream":
		content, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, tooLarge(err)
		}
		if len(content) == 0 {
			return nil, errdefs.FileUpload("the file is empty")
		}
		return content, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, tooLarge(err)
		}
		defer r.MultipartForm.RemoveAll()
		var count int
		var content []byte
		for _, files := range r.MultipartForm.File {
			for _, fh := range files {
				count++
				if count > 1 {
					return nil, errdefs.FileUpload("exactly one file must be uploaded")
				}
				f, err := fh.Open()
				if err != nil {
					return nil, tooLarge(err)
				}
				content, err = io.ReadAll(f)
				f.Close()
				if err != nil {
					return nil, tooLarge(err)
				}
			}
		}
		if count != 1 {
			return nil, errdefs.FileUpload("exactly one file must be uploaded")
		}
		return content, nil
	default:
		return nil, errdefs.FileUpload("unsupported content type %s", mediaType)
	}
}

// uploadMap replaces the data of a map with an .npy file
func (s *Server) uploadMap(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	content, err := s.readUpload(w, r)
	if err == nil {
		err = s.deps.Imaging.Upload(r.Context(), m, content)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, mapView(m))
}

func pinwheelView(p *imaging.Pinwheel) PinwheelView {
	return PinwheelView{ID: p.ID(), X: p.X(), Y: p.Y()}
}

func (s *Server) listPinwheels(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	writeList(w, r, s.deps.Imaging.Pinwheels(m), pinwheelView)
}

func (s *Server) createPinwheel(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	var req struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	pw, err := s.deps.Imaging.NewPinwheel(m, req.X, req.Y)
	if err == nil {
		err = s.deps.Imaging.SavePinwheel(r.Context(), pw)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteCreated(w, pinwheelView(pw))
}

func (s *Server) pinwheel(w http.ResponseWriter, r *http.Request) (*imaging.Pinwheel, bool) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	pw, err := s.deps.Imaging.Pinwheels(m).Get(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, false
	}
	return pw, true
}

func (s *Server) getPinwheel(w http.ResponseWriter, r *http.Request) {
	pw, ok := s.pinwheel(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, pinwheelView(pw))
}

func (s *Server) updatePinwheel(w http.ResponseWriter, r *http.Request) {
	pw, ok := s.pinwheel(w, r)
	if !ok {
		return
	}
	if _, err := bind(r, pw, "x", "y"); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Imaging.SavePinwheel(r.Context(), pw); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, pinwheelView(pw))
}

func (s *Server) deletePinwheel(w http.ResponseWriter, r *http.Request) {
	pw, ok := s.pinwheel(w, r)
	if !ok {
		return
	}
	if err := pw.Delete(r.Context()); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// distanceMap derives the map of distances to the nearest pinwheel and
// redirects to it
func (s *Server) distanceMap(w http.ResponseWriter, r *http.Request) {
	p, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	derived, err := s.deps.Imaging.DistanceMap(r.Context(), p, m)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	http.Redirect(w, r, mapURL(p, derived), http.StatusFound)
}

func (s *Server) listROIs(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	writeList(w, r, s.deps.Imaging.ROIs(m), roiView)
}

func (s *Server) createROI(w http.ResponseWriter, r *http.Request) {
	_, m, ok := s.functionalMap(w, r)
	if !ok {
		return
	}
	var req ROIView
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	roi, err := s.deps.Imaging.NewROI(m, req.Left, req.Right, req.Top, req.Bottom)
	if err == nil {
		err = s.deps.Imaging.SaveROI(r.Context(), roi)
	}
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteCreated(w, roiView(roi))
}

func (s *Server) roi(w http.ResponseWriter, r *http.Request) (*access.Project, *imaging.Map, *imaging.RectangularROI, bool) {
	p, m, ok := s.functionalMap(w, r)
	if !ok {
		return nil, nil, nil, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return nil, nil, nil, false
	}
	roi, err := s.deps.Imaging.ROIs(m).Get(r.Context(), id)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return nil, nil, nil, false
	}
	return p, m, roi, true
}

func (s *Server) getROI(w http.ResponseWriter, r *http.Request) {
	_, _, roi, ok := s.roi(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, roiView(roi))
}

func (s *Server) updateROI(w http.ResponseWriter, r *http.Request) {
	_, _, roi, ok := s.roi(w, r)
	if !ok {
		return
	}
	if _, err := bind(r, roi, "left", "right", "top", "bottom"); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	if err := s.deps.Imaging.SaveROI(r.Context(), roi); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roiView(roi))
}

func (s *Server) deleteROI(w http.ResponseWriter, r *http.Request) {
	_, _, roi, ok := s.roi(w, r)
	if !ok {
		return
	}
	if err := roi.Delete(r.Context()); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// cutROI derives the map cropped to a region and redirects to it
func (s *Server) cutROI(w http.ResponseWriter, r *http.Request) {
	p, m, roi, ok := s.roi(w, r)
	if !ok {
		return
	}
	derived, err := s.deps.Imaging.CutROI(r.Context(), p, m, roi)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}
	http.Redirect(w, r, mapURL(p, derived), http.StatusFound)
}
