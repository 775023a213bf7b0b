// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/autoluzes/autoluzes/internal/config"
	"github.com/autoluzes/autoluzes/internal/handlers"
	"github.com/autoluzes/autoluzes/internal/metrics"
	"github.com/autoluzes/autoluzes/internal/middleware"
	"github.com/autoluzes/autoluzes/internal/ratelimit"
	"github.com/autoluzes/autoluzes/pkg/logger"
)

// Limiter is what the server needs from the rate limiter.
type Limiter interface {
	middleware.PolicyChecker
	handlers.RateLimitAdmin
	Ping(ctx context.Context) error
}

// Server represents the HTTP server.
type Server struct {
	cfg              *config.Config
	log              *logger.Logger
	httpServer       *http.Server
	router           chi.Router
	limiter          Limiter
	policies         Policies
	healthHandler    *handlers.HealthHandler
	rateLimitHandler *handlers.RateLimitHandler
	listener         net.Listener
	running          bool
	mu               sync.RWMutex

	// Collaborators serving the protected endpoints.
	register http.Handler
	verify   http.Handler
	report   http.Handler
}

// Policies holds the policy applied to each guarded endpoint.
type Policies struct {
	Register ratelimit.Policy
	Verify   ratelimit.Policy
	Report   ratelimit.Policy
}

// All returns the policies as a slice.
func (p Policies) All() []ratelimit.Policy {
	return []ratelimit.Policy{p.Register, p.Verify, p.Report}
}

// PoliciesFromConfig applies configured limits and windows to the
// built-in actions.
func PoliciesFromConfig(rate config.RateLimitConfig) Policies {
	return Policies{
		Register: ratelimit.Policy{Action: ratelimit.ActionRegister, Limit: rate.Register.Limit, Window: rate.Register.Window},
		Verify:   ratelimit.Policy{Action: ratelimit.ActionVerifyCode, Limit: rate.Verify.Limit, Window: rate.Verify.Window},
		Report:   ratelimit.Policy{Action: ratelimit.ActionReportSubmit, Limit: rate.Report.Limit, Window: rate.Report.Window},
	}
}

// New creates a new Server instance.
func New(cfg *config.Config, log *logger.Logger, limiter Limiter) *Server {
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		limiter:       limiter,
		policies:      PoliciesFromConfig(cfg.Rate),
		healthHandler: handlers.NewHealthHandler(),
	}
	s.healthHandler.AddCheck("store", limiter.Ping)
	s.healthHandler.SetCheckTimeout(cfg.Rate.CheckTimeout)
	s.rateLimitHandler = handlers.NewRateLimitHandler(limiter, s.policies.All(), log)

	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// routes builds the router with the global middleware chain.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	global := middleware.New(
		middleware.RequestID(),
		middleware.ClientIP(s.cfg.Rate.TrustProxy, s.cfg.Rate.TrustedProxies),
		middleware.Logging(s.log),
		middleware.Metrics(),
		chimw.Recoverer,
	)
	r.Use(global.Handlers()...)

	if origins := s.cfg.Server.CORSAllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.HeaderXRequestID},
			// Browsers hide response headers from scripts unless exposed.
			ExposedHeaders: []string{
				middleware.HeaderRateLimitLimit,
				middleware.HeaderRateLimitRemaining,
				middleware.HeaderRateLimitReset,
				middleware.HeaderRetryAfter,
				middleware.HeaderXRequestID,
			},
			MaxAge: 300,
		}))
	}

	r.Get("/health", s.healthHandler.Health)
	r.Get("/ready", s.healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/auth", func(r chi.Router) {
		r.With(s.guard(s.policies.Register, middleware.KeyByIP)).
			Post("/register", s.forward(func() http.Handler { return s.register }, "registration"))
		r.With(s.guard(s.policies.Verify, middleware.KeyByIP)).
			Post("/verify", s.forward(func() http.Handler { return s.verify }, "verification"))
	})

	r.With(
		middleware.UserID(s.cfg.Rate.UserHeader),
		s.guard(s.policies.Report, middleware.KeyByUser),
	).Post("/api/reports", s.forward(func() http.Handler { return s.report }, "report"))

	if token := s.cfg.Server.AdminToken; token != "" {
		r.Route("/api/v1/rate-limits/{action}/{identifier}", func(r chi.Router) {
			r.Use(middleware.AdminAuth(token))
			r.Get("/", s.rateLimitHandler.Get)
			r.Delete("/", s.rateLimitHandler.Delete)
		})
	}

	return r
}

func (s *Server) guard(p ratelimit.Policy, key middleware.KeyFunc) func(http.Handler) http.Handler {
	return middleware.RateLimit(s.limiter, middleware.RateLimitConfig{
		Policy:   p,
		Key:      key,
		FailOpen: s.cfg.Rate.FailOpen,
		Logger:   s.log,
	})
}

// forward dispatches to a collaborator handler looked up per request.
func (s *Server) forward(get func() http.Handler, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		h := get()
		s.mu.RUnlock()

		if h == nil {
			http.Error(w, name+" service not configured", http.StatusServiceUnavailable)
			return
		}
		h.ServeHTTP(w, r)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.cfg.Server.Address()

	// Create listener first to get the actual address (important when port is 0)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	// Mark as not ready during shutdown
	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err.Error())
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}

// Policies returns the policies guarding each endpoint.
func (s *Server) Policies() Policies {
	return s.policies
}

// SetRegisterHandler sets the collaborator serving POST /api/auth/register.
func (s *Server) SetRegisterHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register = h
}

// SetVerifyHandler sets the collaborator serving POST /api/auth/verify.
func (s *Server) SetVerifyHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify = h
}

// SetReportHandler sets the collaborator serving POST /api/reports.
func (s *Server) SetReportHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = h
}
