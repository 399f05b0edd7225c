// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server is the remote broker: an HTTP service that hosts worker
// sessions for clients on other machines.
//
// # Description
//
// Clients create a session with PUT /sessions/{name}, which starts a
// worker through a Supervisor, then attach to /sessions/{name}/pipe with a
// WebSocket. The pipe relays protocol frames between the WebSocket and
// the worker's TCP endpoint one message at a time. Every path except
// /health, /about and /info requires sign-in.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianBroker/pkg/netutil"
	"github.com/AleutianAI/AleutianBroker/services/broker/auth"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/supervisor"
	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

// Version is reported by /about. Set at build time.
var Version = "dev"

// ErrPortInUse is returned by Run when the listen address is taken.
var ErrPortInUse = errors.New("broker port already in use")

// Option customizes a Service.
type Option func(*Service)

// WithRegistry replaces the interpreter registry.
func WithRegistry(r *interpreter.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithIdentityProvider replaces the provider chosen from Config.TokenFile.
func WithIdentityProvider(p auth.IdentityProvider) Option {
	return func(s *Service) { s.provider = p }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Service) { s.metrics = h }
}

// Service is the remote broker.
//
// # Thread Safety
//
// Safe for concurrent use. Run may be called once.
type Service struct {
	cfg      Config
	router   *gin.Engine
	registry *interpreter.Registry
	provider auth.IdentityProvider
	tokens   *auth.TokenProvider
	auth     *auth.Authenticator
	sessions *manager
	limiter  *rate.Limiter
	metrics  http.Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New builds the service and its routes.
//
// # Inputs
//
//   - cfg: Validated configuration (see LoadConfig)
//   - opts: Optional overrides
//
// # Outputs
//
//   - *Service: Ready to Run
//   - error: Invalid config or unreadable token file
func New(cfg Config, opts ...Option) (*Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SessionStartRate), cfg.SessionStartBurst),
		logger:  slog.Default().With(slog.String("component", "broker")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = interpreter.NewRegistry(interpreter.DefaultSources(cfg.InterpreterRoots)...)
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if s.provider == nil {
		if cfg.TokenFile != "" {
			tokens, err := auth.NewTokenProvider(cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("load token file: %w", err)
			}
			s.tokens = tokens
			s.provider = tokens
		} else {
			s.logger.Warn("No token file configured, running in local single-user mode")
			s.provider = auth.NopProvider{}
		}
	}
	s.auth = auth.NewAuthenticator(s.provider)
	s.sessions = newManager(cfg.MaxSessions, s.startWorker)

	s.initRouter()
	return s, nil
}

// Router returns the gin engine for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

func (s *Service) initRouter() {
	gin.SetMode(s.cfg.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	s.router.Use(auth.Middleware(s.auth))
	s.setupRoutes()
}

// startWorker launches a TCP worker for a session.
func (s *Service) startWorker(ctx context.Context, name string, interp interpreter.InterpreterInfo, args []string) (*supervisor.Supervisor, *supervisor.RunningProcess, error) {
	sup := supervisor.New(supervisor.Config{
		StartupTimeout: s.cfg.StartupTimeout,
		StopGrace:      s.cfg.StopGrace,
	})
	proc, err := sup.Start(ctx, supervisor.StartOptions{
		HostPath:    s.cfg.HostPath,
		Interpreter: interp,
		Args:        args,
		Endpoint:    supervisor.EndpointTCP,
		SessionName: name,
		Env:         s.cfg.WorkerEnv,
	})
	if err != nil {
		return nil, nil, err
	}
	return sup, proc, nil
}

func (s *Service) transportConfig() transport.Config {
	return transport.Config{MaxFrameSize: s.cfg.MaxFrameSize}
}

// Run serves until ctx is done.
//
// # Description
//
// Binds the listen address, serves HTTP and, when a token file is
// configured, reloads it on change. On return every hosted worker has
// been stopped.
//
// # Outputs
//
//   - error: ErrPortInUse when the address is taken, nil after a clean
//     shutdown, otherwise the serve error
func (s *Service) Run(ctx context.Context) error {
	ln, err := netutil.Listen(ctx, s.cfg.Listen)
	if err != nil {
		if errors.Is(err, netutil.ErrPortInUse) {
			return fmt.Errorf("%w: %s", ErrPortInUse, s.cfg.Listen)
		}
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener, which it closes.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("Starting broker server",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.tokens != nil {
		g.Go(func() error { return s.tokens.Watch(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.sessions.close(shutdownCtx)
		return err
	})

	err := g.Wait()
	s.logger.Info("Broker server stopped")
	return err
}
