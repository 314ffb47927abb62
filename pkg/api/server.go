package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/clinaudit/pkg/access"
	"github.com/platinummonkey/clinaudit/pkg/auth"
	"github.com/platinummonkey/clinaudit/pkg/capture"
	"github.com/platinummonkey/clinaudit/pkg/compliance"
	"github.com/platinummonkey/clinaudit/pkg/httputil"
	"github.com/platinummonkey/clinaudit/pkg/observability"
	"github.com/platinummonkey/clinaudit/pkg/records"
)

// maxRequestBytes bounds request bodies; the largest are export requests.
const maxRequestBytes = 1 << 20

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Verifier auth.Verifier
	// Login registers the browser login routes. Optional.
	Login   *auth.LoginHandlers
	Logger  *logrus.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP API of the compliance core. Every route except the
// login flow requires an authenticated principal.
type Server struct {
	router  *mux.Router
	handler http.Handler
	system  *System
	authn   *auth.Authenticator
	login   *auth.LoginHandlers
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewServer creates the API server.
func NewServer(system *System, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = system.Logger
	}
	s := &Server{
		router:  mux.NewRouter(),
		system:  system,
		authn:   auth.NewAuthenticator(opts.Verifier, system.Writer, logger),
		login:   opts.Login,
		logger:  logger,
		metrics: opts.Metrics,
	}
	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "clinaudit")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))

	if s.login != nil {
		s.login.RegisterRoutes(s.router)
	}

	secured := s.router.NewRoute().Subrouter()
	secured.Use(s.authn.Middleware)

	registrars := []RouteRegistrar{
		s.authn,
		access.NewHandlers(s.system.Admin, s.logger),
		capture.NewHandlers(s.system.Pipeline, s.logger),
		records.NewHandlers(s.system.Records, s.logger),
		compliance.NewHandlers(s.system.Compliance, s.logger),
	}
	for _, r := range registrars {
		r.RegisterRoutes(secured)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the router for tests and extra routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// NewOpsRouter serves health probes and Prometheus metrics on the
// operations port.
func NewOpsRouter(checker *observability.HealthChecker, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	observability.RegisterHealthRoutes(r, checker)
	if registry != nil {
		observability.RegisterMetricsEndpoint(r, registry)
	}
	return r
}
