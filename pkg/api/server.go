package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/health"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/logs"
	"github.com/corefacility/corefacility/pkg/middleware"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

// Prefix is the path every API route lives under
const Prefix = "/api/v1"

// Deps are the services the API is served from. Optional collaborators
// may be nil; their routes answer 404 or are left out.
type Deps struct {
	DB       *sql.DB
	Access   *access.Service
	Registry *modules.Registry
	Pipeline *authorization.Pipeline
	Accounts *external.Accounts
	Logs     *logs.Service
	Health   *health.Store
	Imaging  *imaging.Service
	Sync     *synchronization.Driver
	Logger   *observability.Logger

	// Limiter throttles login attempts, nil disables throttling
	Limiter middleware.Limiter
	// Checker serves /health, nil leaves the probes out
	Checker *observability.HealthChecker
	// Metrics and Prometheus serve /metrics, nil leaves it out
	Metrics    *observability.Metrics
	Prometheus *prometheus.Registry

	// RequestTimeout bounds the time spent on one request, zero disables it
	RequestTimeout time.Duration
	// UIURL is where the browser lands after an external login
	UIURL string
	// MaxUploadSize bounds uploaded files
	MaxUploadSize int64
	// AllowedOrigins enables CORS for browsers served from elsewhere
	AllowedOrigins []string
}

// Server represents our API server
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer creates the API server and its routes
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = 100 << 20
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// withLogger puts the server logger into the request context
func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), s.deps.Logger)))
	})
}

// withRegistry lets handlers resolve modules from the request context
func (s *Server) withRegistry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(modules.WithRegistry(r.Context(), s.deps.Registry)))
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteAPIError(w, r, errNoRoute(r))
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware, middleware.RequestID, s.withLogger)
	if len(s.deps.AllowedOrigins) > 0 {
		s.router.Use(httputil.CORSMiddleware(s.deps.AllowedOrigins))
	}
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}

	if s.deps.Checker != nil {
		observability.RegisterHealthRoutes(s.router, s.deps.Checker)
	}
	if s.deps.Prometheus != nil {
		observability.RegisterMetricsEndpoint(s.router, s.deps.Prometheus)
	}

	api := s.router.PathPrefix(Prefix).Subrouter()
	if s.deps.Logs != nil {
		api.Use(s.deps.Logs.Middleware)
	}
	api.Use(middleware.Timeout(s.deps.RequestTimeout), s.withRegistry, s.deps.Pipeline.Middleware)
	api.NotFoundHandler = http.HandlerFunc(notFound)

	s.authRoutes(api)
	s.userRoutes(api)
	s.groupRoutes(api)
	s.projectRoutes(api)
	s.moduleRoutes(api)
	s.logRoutes(api)
	s.serviceRoutes(api)
	if s.deps.Imaging != nil {
		s.imagingRoutes(api)
	}
}

// authRoutes are open to anonymous requests
func (s *Server) authRoutes(api *mux.Router) {
	login := http.Handler(http.HandlerFunc(s.login))
	if s.deps.Limiter != nil {
		login = middleware.Throttle(s.deps.Limiter)(login)
	}
	api.Handle("/login/", login).Methods(http.MethodPost)
	api.HandleFunc("/logout/", s.logout).Methods(http.MethodPost)
	api.HandleFunc("/password-recovery/", s.passwordRecovery).Methods(http.MethodPost)
	api.HandleFunc("/activate/", s.activate).Methods(http.MethodPost)
	api.HandleFunc("/auth/{alias}/login/", s.externalLogin).Methods(http.MethodGet)
	api.HandleFunc("/auth/{alias}/callback/", s.externalCallback).Methods(http.MethodGet, http.MethodPost)

	api.Handle("/profile/", authorization.RequireUser(http.HandlerFunc(s.getProfile))).Methods(http.MethodGet)
	api.Handle("/profile/", authorization.RequireUser(http.HandlerFunc(s.updateProfile))).Methods(http.MethodPut, http.MethodPatch)
}

func (s *Server) userRoutes(api *mux.Router) {
	users := api.PathPrefix("/users").Subrouter()
	users.Use(authorization.RequireUser)
	users.HandleFunc("/", s.listUsers).Methods(http.MethodGet)
	users.HandleFunc("/{id:[0-9]+}/", s.getUser).Methods(http.MethodGet)

	admin := users.NewRoute().Subrouter()
	admin.Use(authorization.RequireSuperuser)
	admin.HandleFunc("/", s.createUser).Methods(http.MethodPost)
	admin.HandleFunc("/{id:[0-9]+}/", s.updateUser).Methods(http.MethodPut, http.MethodPatch)
	admin.HandleFunc("/{id:[0-9]+}/", s.deleteUser).Methods(http.MethodDelete)
	admin.HandleFunc("/{id:[0-9]+}/password-reset/", s.resetPassword).Methods(http.MethodPost)
	admin.HandleFunc("/{id:[0-9]+}/authorizations/{alias}/", s.getUserAccount).Methods(http.MethodGet)
	admin.HandleFunc("/{id:[0-9]+}/authorizations/{alias}/", s.bindUserAccount).Methods(http.MethodPut)
	admin.HandleFunc("/{id:[0-9]+}/authorizations/{alias}/", s.unbindUserAccount).Methods(http.MethodDelete)
}

func (s *Server) groupRoutes(api *mux.Router) {
	groups := api.PathPrefix("/groups").Subrouter()
	groups.Use(authorization.RequireUser)
	groups.HandleFunc("/", s.listGroups).Methods(http.MethodGet)
	groups.HandleFunc("/", s.createGroup).Methods(http.MethodPost)
	groups.HandleFunc("/{id:[0-9]+}/", s.getGroup).Methods(http.MethodGet)
	groups.HandleFunc("/{id:[0-9]+}/", s.updateGroup).Methods(http.MethodPut, http.MethodPatch)
	groups.HandleFunc("/{id:[0-9]+}/", s.deleteGroup).Methods(http.MethodDelete)
	groups.HandleFunc("/{id:[0-9]+}/users/", s.listGroupUsers).Methods(http.MethodGet)
	groups.HandleFunc("/{id:[0-9]+}/users/", s.addGroupUser).Methods(http.MethodPost)
	groups.HandleFunc("/{id:[0-9]+}/users/{user_id:[0-9]+}/", s.removeGroupUser).Methods(http.MethodDelete)
}

func (s *Server) projectRoutes(api *mux.Router) {
	projects := api.PathPrefix("/projects").Subrouter()
	projects.Use(authorization.RequireUser)
	projects.HandleFunc("/", s.listProjects).Methods(http.MethodGet)
	projects.Handle("/", authorization.RequireSuperuser(http.HandlerFunc(s.createProject))).Methods(http.MethodPost)
	projects.HandleFunc("/{lookup}/", s.getProject).Methods(http.MethodGet)
	projects.HandleFunc("/{lookup}/", s.updateProject).Methods(http.MethodPut, http.MethodPatch)
	projects.Handle("/{lookup}/", authorization.RequireSuperuser(http.HandlerFunc(s.deleteProject))).Methods(http.MethodDelete)
	projects.HandleFunc("/{lookup}/permissions/", s.listPermissions).Methods(http.MethodGet)
	projects.HandleFunc("/{lookup}/permissions/", s.setPermission).Methods(http.MethodPost)
	projects.HandleFunc("/{lookup}/permissions/{group_id:[0-9]+}/", s.getPermission).Methods(http.MethodGet)
	projects.HandleFunc("/{lookup}/permissions/{group_id:[0-9]+}/", s.setPermission).Methods(http.MethodPut, http.MethodPatch)
	projects.HandleFunc("/{lookup}/permissions/{group_id:[0-9]+}/", s.deletePermission).Methods(http.MethodDelete)
	projects.HandleFunc("/{lookup}/apps/{uuid}/permissions/", s.listPermissions).Methods(http.MethodGet)
	projects.HandleFunc("/{lookup}/apps/{uuid}/permissions/", s.setPermission).Methods(http.MethodPost)
	projects.HandleFunc("/{lookup}/apps/{uuid}/permissions/{group_id:[0-9]+}/", s.getPermission).Methods(http.MethodGet)
	projects.HandleFunc("/{lookup}/apps/{uuid}/permissions/{group_id:[0-9]+}/", s.setPermission).Methods(http.MethodPut, http.MethodPatch)
	projects.HandleFunc("/{lookup}/apps/{uuid}/permissions/{group_id:[0-9]+}/", s.deletePermission).Methods(http.MethodDelete)
}

func (s *Server) moduleRoutes(api *mux.Router) {
	api.Handle("/access-levels/", authorization.RequireUser(http.HandlerFunc(s.listAccessLevels))).Methods(http.MethodGet)

	settings := api.NewRoute().Subrouter()
	settings.Use(authorization.RequireSuperuser)
	settings.HandleFunc("/settings/", s.listModules).Methods(http.MethodGet)
	settings.HandleFunc("/settings/{uuid}/", s.getModule).Methods(http.MethodGet)
	settings.HandleFunc("/settings/{uuid}/", s.updateModule).Methods(http.MethodPatch, http.MethodPut)
	settings.HandleFunc("/settings/{uuid}/entry-points/", s.listEntryPoints).Methods(http.MethodGet)
	settings.HandleFunc("/entry-points/{id:[0-9]+}/modules/", s.listEntryPointModules).Methods(http.MethodGet)
}

func (s *Server) logRoutes(api *mux.Router) {
	if s.deps.Logs == nil {
		return
	}
	l := api.PathPrefix("/logs").Subrouter()
	l.Use(authorization.RequireSuperuser)
	l.HandleFunc("/", s.listLogs).Methods(http.MethodGet)
	l.HandleFunc("/{id:[0-9]+}/", s.getLog).Methods(http.MethodGet)
	l.HandleFunc("/{id:[0-9]+}/records/", s.listLogRecords).Methods(http.MethodGet)
}

func (s *Server) serviceRoutes(api *mux.Router) {
	admin := api.NewRoute().Subrouter()
	admin.Use(authorization.RequireSuperuser)
	admin.HandleFunc("/account-synchronization/", s.synchronize).Methods(http.MethodPost)
	admin.HandleFunc("/health-check/", s.healthCheck).Methods(http.MethodGet)
}
