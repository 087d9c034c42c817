// Package api serves the dubbing REST API: job submission and polling,
// cancellation, track lookup and rate limiter introspection.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chicogong/media-dubbing/pkg/auth"
	"github.com/chicogong/media-dubbing/pkg/engine"
	"github.com/chicogong/media-dubbing/pkg/logging"
	"github.com/chicogong/media-dubbing/pkg/metrics"
	"github.com/chicogong/media-dubbing/pkg/store"
	"github.com/chicogong/media-dubbing/pkg/tracing"
	"github.com/chicogong/media-dubbing/pkg/validator"
)

const (
	// DefaultPollInterval is the interval suggested to polling clients.
	DefaultPollInterval = 5 * time.Second

	defaultListLimit = 50
	maxListLimit     = 500
	maxRequestBytes  = 32 << 20
)

// Server holds the API server dependencies
type Server struct {
	engine    *engine.Engine
	store     store.Store
	validator *validator.Validator

	auth        *auth.AuthMiddleware
	metrics     *metrics.Collector
	tracer      *tracing.Provider
	logger      *slog.Logger
	submitLimit *ClientLimiter

	pollInterval time.Duration
	corsOrigins  []string
	now          func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithAuth protects /api/v1 with m. Without it every route is open.
func WithAuth(m *auth.AuthMiddleware) Option {
	return func(s *Server) { s.auth = m }
}

// WithMetrics exposes c on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithTracer records a span per request.
func WithTracer(p *tracing.Provider) Option {
	return func(s *Server) { s.tracer = p }
}

// WithLogger sets the access and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSubmitLimiter throttles POST /dubs per client.
func WithSubmitLimiter(l *ClientLimiter) Option {
	return func(s *Server) { s.submitLimit = l }
}

// WithPollInterval overrides the interval suggested to clients.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithCORSOrigins restricts Access-Control-Allow-Origin. Empty allows any.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer creates a new API server
func NewServer(e *engine.Engine, st store.Store, v *validator.Validator, opts ...Option) *Server {
	s := &Server{
		engine:       e,
		store:        st,
		validator:    v,
		logger:       logging.NewNop(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = validator.New()
	}
	return s
}

// Handler builds the router with every route and middleware attached.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(
		tracing.HTTPMiddleware(s.tracer),
		LoggingMiddleware(s.logger),
	)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendError(w, http.StatusNotFound, "not_found", "Resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		v1.Use(s.auth.Handler)
	}
	s.RegisterRoutes(v1)

	// preflight requests are answered before routing and authentication
	return Chain(r, RecoveryMiddleware(s.logger), CORSMiddleware(s.corsOrigins))
}

// RegisterRoutes attaches the /api/v1 routes to r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	submit := http.Handler(http.HandlerFunc(s.HandleCreateDub))
	if s.submitLimit != nil {
		submit = s.submitLimit.Middleware(PrincipalKeyFunc)(submit)
	}
	r.Handle("/dubs", submit).Methods(http.MethodPost)

	r.HandleFunc("/jobs", s.HandleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.HandleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/events", s.HandleJobEvents).Methods(http.MethodGet)
	r.Handle("/jobs/{id}", s.admin(s.HandleCancelJob)).Methods(http.MethodDelete)
	r.Handle("/jobs/{id}/purge", s.admin(s.HandlePurgeJob)).Methods(http.MethodPost)

	r.HandleFunc("/tracks/{id}", s.HandleGetTrack).Methods(http.MethodGet)

	r.HandleFunc("/providers", s.HandleListProviders).Methods(http.MethodGet)
	r.Handle("/providers/{provider}/reset", s.admin(s.HandleResetProvider)).Methods(http.MethodPost)
}

// admin restricts h to administrators when authentication is enabled.
func (s *Server) admin(h http.HandlerFunc) http.Handler {
	if s.auth == nil {
		return h
	}
	return auth.RequireRole(auth.RoleAdmin)(h)
}
