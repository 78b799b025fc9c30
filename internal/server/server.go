// Package server is the composition root: it opens the store, builds the
// services and handlers, and mounts them on a chi router.
//
// Route map:
//
//	GET    /healthz                          public
//	GET    /profile                          public, rate limited
//	GET    /identities                       session
//	POST   /identities                       session
//	DELETE /identities                       session
//	POST   /identities/evm/challenge         session, rate limited
//	POST   /identities/evm/verify            session, rate limited
//	POST   /identities/evm/verify-farcaster  session, rate limited
//	PATCH  /profile                          session
//	POST   /session/logout                   session
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/sakif/userbase/internal/auth"
	"github.com/sakif/userbase/internal/config"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/handler"
	"github.com/sakif/userbase/internal/middleware"
	"github.com/sakif/userbase/internal/ratelimit"
	sqliteRepo "github.com/sakif/userbase/internal/repository/sqlite"
	"github.com/sakif/userbase/internal/service"
)

// Server owns the database and the optional Redis limiter; both are closed
// when Start returns.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	db      *sqliteRepo.DB
	limiter *ratelimit.RedisLimiter
}

// New opens the database and wires every route.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if cfg.RateLimitEnabled() {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		s.limiter, err = ratelimit.NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow)
		if err != nil {
			client.Close()
			db.Close()
			return nil, fmt.Errorf("creating rate limiter: %w", err)
		}
	} else {
		logger.Warn("REDIS_ADDR not set, rate limiting is disabled")
	}

	if err := s.setupRoutes(); err != nil {
		s.close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() error {
	// Order matters: RequestID before Logger so log lines carry the id,
	// RealIP before anything that keys on the client address.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	hasher, err := auth.NewTokenHasher(s.config.TokenHMACKey)
	if err != nil {
		return fmt.Errorf("creating token hasher: %w", err)
	}
	if !hasher.Keyed() {
		s.logger.Warn("TOKEN_HMAC_KEY not set, refresh tokens are hashed with plain SHA-256")
	}

	timeout := s.config.StoreTimeout
	debug := s.config.Debug()

	sessions := auth.NewSessionValidator(s.db.Sessions(), hasher, timeout)
	challenges := service.NewChallengeService(s.db.Challenges(), s.config.ChallengeTTL, timeout, s.logger)
	linker := service.NewIdentityLinker(s.db, challenges, evm.Verifier{}, timeout, s.logger)
	resolver := service.NewProfileResolver(s.db.Users(), s.db.Identities(), timeout, s.logger)
	profiles := service.NewProfileService(s.db.Users(), timeout, s.logger)

	identityHandler := handler.NewIdentityHandler(linker, challenges, s.logger, debug)
	profileHandler := handler.NewProfileHandler(resolver, profiles, s.logger, debug)
	sessionHandler := handler.NewSessionHandler(sessions, s.config.SessionCookieName, s.logger, debug)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)

	// A nil *RedisLimiter inside the interface would not compare equal to nil.
	var limiter ratelimit.Limiter
	if s.limiter != nil {
		limiter = s.limiter
	}
	limit := func(scope string) func(http.Handler) http.Handler {
		return middleware.RateLimit(limiter, scope, s.logger)
	}

	s.router.Get("/healthz", healthHandler.HandleHealthz)
	s.router.With(limit("profile")).Get("/profile", profileHandler.HandleGet)

	s.router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(sessions, s.config.SessionCookieName, s.logger))

		r.Get("/identities", identityHandler.HandleList)
		r.Post("/identities", identityHandler.HandleCreate)
		r.Delete("/identities", identityHandler.HandleDelete)

		r.Route("/identities/evm", func(r chi.Router) {
			r.With(limit("challenge")).Post("/challenge", identityHandler.HandleChallenge)
			r.With(limit("verify")).Post("/verify", identityHandler.HandleVerify)
			r.With(limit("verify")).Post("/verify-farcaster", identityHandler.HandleVerifyFarcaster)
		})

		r.Patch("/profile", profileHandler.HandlePatch)
		r.Post("/session/logout", sessionHandler.HandleLogout)
	})

	return nil
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests for up
// to 30 seconds and closes the store.
func (s *Server) Start() error {
	defer s.close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("database", s.config.DBPath),
			slog.String("env", s.config.Env),
			slog.Bool("rate_limit", s.limiter != nil),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) close() {
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Warn("closing rate limiter", slog.String("error", err.Error()))
		}
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing database", slog.String("error", err.Error()))
	}
}
