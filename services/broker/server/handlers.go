// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianBroker/services/broker/auth"
	"github.com/AleutianAI/AleutianBroker/services/broker/interpreter"
	"github.com/AleutianAI/AleutianBroker/services/broker/protocol"
	"github.com/AleutianAI/AleutianBroker/services/broker/supervisor"
	"github.com/AleutianAI/AleutianBroker/services/broker/telemetry"
)

func (s *Service) setupRoutes() {
	r := s.router
	r.GET(protocol.PathHealth, s.handleHealth)
	r.GET(protocol.PathAbout, s.handleAbout)
	r.GET(protocol.PathInfo, s.handleInfo)
	r.GET(protocol.PathInterpreters, s.handleInterpreters)
	r.GET("/metrics", gin.WrapH(s.metrics))

	sessions := r.Group(protocol.PathSessions)
	sessions.GET("", s.handleListSessions)
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:name", s.handleGetSession)
	sessions.PUT("/:name", s.handleCreateSession)
	sessions.DELETE("/:name", s.handleDeleteSession)
	sessions.GET("/:name/pipe", s.handlePipe)
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleAbout(c *gin.Context) {
	mode := "local"
	if s.tokens != nil {
		mode = "token"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":    "aleutian-broker",
		"version": Version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"auth":    mode,
	})
}

func (s *Service) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"sessions":           s.sessions.count(),
		"max_sessions":       s.cfg.MaxSessions,
		"interpreter_range":  s.cfg.VersionRange().String(),
		"max_frame_size":     s.cfg.MaxFrameSize,
		"protocol_transport": "websocket",
	})
}

func (s *Service) handleInterpreters(c *gin.Context) {
	list, err := s.registry.ListCompatible(c.Request.Context(), s.cfg.VersionRange())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Service) handleListSessions(c *gin.Context) {
	p := auth.PrincipalFrom(c)
	c.JSON(http.StatusOK, s.sessions.list(func(h *hosted) bool { return p.Owns(h.owner) }))
}

// ownedSession looks up the named session for the caller. Sessions owned
// by someone else are reported as not found so their names do not leak.
func (s *Service) ownedSession(c *gin.Context) (*hosted, bool) {
	name := c.Param("name")
	h, err := s.sessions.get(name)
	if err == nil && !auth.PrincipalFrom(c).Owns(h.owner) {
		err = fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return h, true
}

func (s *Service) handleGetSession(c *gin.Context) {
	h, ok := s.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.info())
}

// handleCreateSession serves PUT /sessions/:name and POST /sessions. PUT
// is idempotent for the owner: an existing session is returned with 200,
// while other users get 409. POST names the session with a fresh UUID.
// Extra worker args may not override launch-contract flags.
func (s *Service) handleCreateSession(c *gin.Context) {
	name := c.Param("name")
	if c.Request.Method == http.MethodPost {
		name = uuid.NewString()
	}
	if err := configValidate.Var(name, "required,max=128,printascii"); err != nil {
		sessionCreates.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session name"})
		return
	}

	var req protocol.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		sessionCreates.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := supervisor.CheckArgs(req.Args); err != nil {
		sessionCreates.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	principal := auth.PrincipalFrom(c)
	if existing, err := s.sessions.get(name); err == nil {
		s.respondExisting(c, principal, existing)
		return
	}
	if !s.limiter.Allow() {
		sessionCreates.WithLabelValues("rate_limited").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many session starts"})
		return
	}

	ctx := c.Request.Context()
	interp, err := s.selectInterpreter(ctx, req.Interpreter)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, interpreter.ErrNoCompatibleInterpreter) {
			status = http.StatusNotFound
		}
		sessionCreates.WithLabelValues("no_interpreter").Inc()
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	owner := "anonymous"
	if principal != nil {
		owner = principal.Name
	}
	h, created, err := s.sessions.create(ctx, name, owner, interp, req.Args)
	if err != nil {
		status, outcome := createFailure(err)
		sessionCreates.WithLabelValues(outcome).Inc()
		telemetry.LoggerWithTrace(ctx, s.logger).Warn("Session start failed",
			slog.String("session", name),
			slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if !created {
		s.respondExisting(c, principal, h)
		return
	}
	sessionCreates.WithLabelValues("created").Inc()
	c.JSON(http.StatusCreated, h.info())
}

func (s *Service) selectInterpreter(ctx context.Context, id string) (interpreter.InterpreterInfo, error) {
	if id != "" {
		return s.registry.Lookup(ctx, s.cfg.VersionRange(), id)
	}
	return s.registry.Find(ctx, s.cfg.VersionRange())
}

// respondExisting answers a create for a name that is already hosted: the
// owner gets the session back, anyone else a conflict.
func (s *Service) respondExisting(c *gin.Context, p *auth.Principal, h *hosted) {
	if !p.Owns(h.owner) {
		sessionCreates.WithLabelValues("taken").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "session name is taken"})
		return
	}
	sessionCreates.WithLabelValues("exists").Inc()
	c.JSON(http.StatusOK, h.info())
}

func createFailure(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSessionBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, supervisor.ErrReservedArgument):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, ErrCapacity):
		return http.StatusServiceUnavailable, "capacity"
	case errors.Is(err, supervisor.ErrPortInUse):
		return http.StatusServiceUnavailable, "port_in_use"
	case errors.Is(err, supervisor.ErrStartupTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	default:
		return http.StatusBadGateway, "failed"
	}
}

func (s *Service) handleDeleteSession(c *gin.Context) {
	h, ok := s.ownedSession(c)
	if !ok {
		return
	}
	if err := s.sessions.remove(c.Request.Context(), h.name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
