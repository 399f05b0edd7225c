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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianBroker/services/broker/transport"
)

// handlePipe attaches a WebSocket client to a session's worker.
//
// # Description
//
// Only one pipe per session may be attached at a time. The worker's TCP
// endpoint is dialed before upgrading so failures are reported as plain
// HTTP errors. Frames are relayed whole in both directions until either
// side ends; undecodable client frames are dropped.
func (s *Service) handlePipe(c *gin.Context) {
	h, ok := s.ownedSession(c)
	if !ok {
		return
	}
	if !h.attached.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "session already has a pipe attached"})
		return
	}
	defer h.attached.Store(false)

	ctx := c.Request.Context()
	worker, err := transport.DialTCP(ctx, h.endpoint, s.transportConfig())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "worker unreachable"})
		return
	}
	defer worker.Close()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		return
	}
	client := transport.NewWebSocket(ws, s.transportConfig())
	defer client.Close()

	pipesOpen.Inc()
	defer pipesOpen.Dec()

	logger := s.logger.With(slog.String("session", h.name))
	logger.Info("Pipe attached", slog.String("remote", c.ClientIP()))
	err = bridge(ctx, client, worker)
	logger.Info("Pipe detached", slog.String("reason", errString(err)))
}

// bridge relays messages between a and b until one side ends.
func bridge(ctx context.Context, client, worker transport.Transport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(gctx, client, worker, "to_worker") })
	g.Go(func() error { return relay(gctx, worker, client, "to_client") })
	g.Go(func() error {
		<-gctx.Done()
		// Unblock writes stuck on a peer that stopped reading.
		_ = client.Close()
		_ = worker.Close()
		return nil
	})
	return g.Wait()
}

func relay(ctx context.Context, from, to transport.Transport, direction string) error {
	for {
		m, err := from.Receive(ctx)
		if err != nil {
			if transport.IsRecoverable(err) {
				pipeMessages.WithLabelValues(direction + "_dropped").Inc()
				continue
			}
			return err
		}
		if err := to.Send(ctx, m); err != nil {
			return err
		}
		pipeMessages.WithLabelValues(direction).Inc()
	}
}

func errString(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, transport.ErrConnectionClosed):
		return "peer closed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
