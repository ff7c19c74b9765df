package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/auth"
	"github.com/baseapp/apiserver/internal/handlers"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/metrics"
	"github.com/baseapp/apiserver/internal/ratelimit"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "baseapp"
	mediaPath        = "/media"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     logging.Logger
	closers    []io.Closer
	cancel     context.CancelFunc
}

// New opens every configured backend and assembles the router.
func New(ctx context.Context, cfg config.Config, logger logging.Logger) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	// Background workers outlive the ctx passed in by the caller.
	bgCtx, cancel := context.WithCancel(context.Background())
	s := &Server{logger: logger, cancel: cancel}

	accounts, err := OpenAccountStore(ctx, cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, accounts)

	notifier, queue, err := openNotifier(bgCtx, cfg, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	if queue != nil {
		s.closers = append(s.closers, queue)
	}

	limiter, err := ratelimit.Open(ctx, cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	if c, ok := limiter.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		s.close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(metricsNamespace, registry)

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret)
	hasher := auth.NewHasher(cfg.Auth.BcryptCost, cfg.Auth.HashConcurrency)

	authService := services.NewAuthService(accounts.Repo, hasher, issuer, notifier, cfg.Auth, logger).
		WithLimiter(limiter)
	accountService := services.NewAccountService(accounts.Repo, logger)

	var avatarService *services.AvatarService
	if objects != nil {
		publicURL := cfg.Storage.PublicBaseURL
		if publicURL == "" {
			publicURL = mediaPath
		}
		avatarService = services.NewAvatarService(accountService, objects, publicURL, logger)
	}

	gate := handlers.NewGate(issuer, accountService, logger)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		m.Middleware,
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)

	checks := map[string]handlers.HealthCheck{}
	if accounts.Health != nil {
		checks["store"] = accounts.Health
	}
	router.Get("/healthz", handlers.Health(checks))
	router.Method(http.MethodGet, "/metrics", m.Handler())

	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, handlers.NewAuthHandler(authService, accountService, avatarService, m, logger), gate)
	})
	router.Route("/admin", func(r chi.Router) {
		handlers.AdminRouter(r, handlers.NewAdminHandler(accountService, logger), gate)
	})
	if avatarService != nil && cfg.Storage.PublicBaseURL == "" {
		router.Route(mediaPath, func(r chi.Router) {
			handlers.MediaRouter(r, handlers.NewMediaHandler(avatarService, logger))
		})
	}

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.router = router
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then releases backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.cancel != nil {
		s.cancel()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn(context.Background(), "close backend", "error", err)
		}
	}
	s.closers = nil
}
